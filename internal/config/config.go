package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// DeviceID keys Kafka records and names the vessel in logs. Defaults to
	// the hostname.
	DeviceID  string          `yaml:"device_id"`
	Hardware  HardwareConfig  `yaml:"hardware"`
	Sim       SimConfig       `yaml:"sim"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Interlock InterlockConfig `yaml:"interlock"`
	PH        PHConfig        `yaml:"ph"`
	Thermal   ThermalConfig   `yaml:"thermal"`
	Motor     MotorConfig     `yaml:"motor"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Web       WebConfig       `yaml:"web"`
	Console   ConsoleConfig   `yaml:"console"`
	Log       LogConfig       `yaml:"log"`
}

const (
	BackendSim   = "sim"
	BackendLinux = "linux"
)

type HardwareConfig struct {
	// Backend is "sim" (default) or "linux".
	Backend string `yaml:"backend"`

	I2CBus       string  `yaml:"i2c_bus"`
	ADCAddr      uint16  `yaml:"adc_addr"`
	ADCFullScale float64 `yaml:"adc_full_scale"`
	PHChannel    int     `yaml:"ph_adc_channel"`
	ThermChannel int     `yaml:"thermistor_adc_channel"`

	AcidPump     LineConfig `yaml:"acid_pump"`
	BasePump     LineConfig `yaml:"base_pump"`
	Heater       LineConfig `yaml:"heater"`
	HeartbeatLED LineConfig `yaml:"heartbeat_led"`
	HallSensor   LineConfig `yaml:"hall_sensor"`

	MotorPWM PWMConfig `yaml:"motor_pwm"`
}

// LineConfig names a GPIO line by name (e.g. GPIO17) or by chip+offset.
type LineConfig struct {
	Name   string `yaml:"name"`
	Chip   string `yaml:"chip"`
	Offset int    `yaml:"offset"`
}

// Set reports whether the line is configured at all.
func (l LineConfig) Set() bool {
	return l.Name != "" || l.Chip != ""
}

type PWMConfig struct {
	Chip        string `yaml:"chip"`
	Channel     int    `yaml:"channel"`
	FrequencyHz int    `yaml:"frequency_hz"`
}

type SimConfig struct {
	Scenario      string        `yaml:"scenario"`
	InitialPH     float64       `yaml:"initial_ph"`
	InitialC      float64       `yaml:"initial_c"`
	ProbeRipplePH float64       `yaml:"probe_ripple_ph"`
	RotorInterval time.Duration `yaml:"rotor_interval"`
}

type SchedulerConfig struct {
	BasePeriod time.Duration `yaml:"base_period"`
}

type InterlockConfig struct {
	// StartInactive boots with every actuator held off until a supervisor
	// sets system_active.
	StartInactive bool `yaml:"start_inactive"`
}

type PHConfig struct {
	Period       time.Duration `yaml:"period"`
	BatchSize    int           `yaml:"batch_size"`
	Slope        float64       `yaml:"slope"`
	Offset       float64       `yaml:"offset"`
	Target       float64       `yaml:"target"`
	// Tolerance is nil when the key is absent; an explicit 0 is kept.
	Tolerance    *float64      `yaml:"tolerance"`
	DefaultPulse time.Duration `yaml:"default_pulse"`
	MaxPulse     time.Duration `yaml:"max_pulse"`
}

type ThermalConfig struct {
	Period     time.Duration `yaml:"period"`
	// Target and Tolerance are nil when absent; an explicit 0 is kept.
	Target     *float64      `yaml:"target"`
	Tolerance  *float64      `yaml:"tolerance"`
	MaxTarget  float64       `yaml:"max_target"`
	SeriesOhms float64       `yaml:"series_ohms"`
	Vcc        float64       `yaml:"vcc"`
	Model      string        `yaml:"model"`
	LinearA    float64       `yaml:"linear_a"`
	LinearB    float64       `yaml:"linear_b"`
	Beta       float64       `yaml:"beta"`
	R0         float64       `yaml:"r0"`
	T0         float64       `yaml:"t0"`
}

type MotorConfig struct {
	Period       time.Duration `yaml:"period"`
	PulsesPerRev int           `yaml:"pulses_per_rev"`
	MinRPM       float64       `yaml:"min_rpm"`
	MaxRPM       float64       `yaml:"max_rpm"`
	Target       float64       `yaml:"target"`
	SupplyVolts  float64       `yaml:"supply_volts"`
	PWMMax       int           `yaml:"pwm_max"`
	RampStep     int           `yaml:"ramp_step"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
	FilterAlpha  float64       `yaml:"filter_alpha"`
	Kv           float64       `yaml:"kv"`
	TimeConstant float64       `yaml:"time_constant"`
	Damping      float64       `yaml:"damping"`
}

type TelemetryConfig struct {
	Interval time.Duration `yaml:"interval"`
	// UDPDest, when set, also sends each snapshot as a JSON datagram
	// (e.g. 192.168.10.255:4100).
	UDPDest string `yaml:"udp_dest"`
}

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	// Username carries the device access token on ThingsBoard.
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type KafkaConfig struct {
	Enable  bool     `yaml:"enable"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type WebConfig struct {
	Enable   bool   `yaml:"enable"`
	Listen   string `yaml:"listen"`
	LogLines int    `yaml:"log_lines"`
}

type ConsoleConfig struct {
	Enable bool `yaml:"enable"`
	// Device is a serial port path; empty means stdin/stdout.
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills zero values with defaults and rejects
// inconsistent settings. It is also used by tests that build a Config in
// code.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	cfg.DeviceID = strings.TrimSpace(cfg.DeviceID)
	if cfg.DeviceID == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			cfg.DeviceID = h
		} else {
			cfg.DeviceID = "bioreactor"
		}
	}

	hw := &cfg.Hardware
	hw.Backend = strings.ToLower(strings.TrimSpace(hw.Backend))
	if hw.Backend == "" {
		hw.Backend = BackendSim
	}
	switch hw.Backend {
	case BackendSim:
	case BackendLinux:
		if hw.I2CBus == "" {
			hw.I2CBus = "/dev/i2c-1"
		}
		if hw.ADCAddr == 0 {
			hw.ADCAddr = 0x48
		}
		if hw.ADCFullScale <= 0 {
			hw.ADCFullScale = 3.3
		}
		if hw.PHChannel < 0 || hw.PHChannel > 3 || hw.ThermChannel < 0 || hw.ThermChannel > 3 {
			return fmt.Errorf("hardware adc channels must be in [0, 3]")
		}
		if hw.PHChannel == hw.ThermChannel {
			return fmt.Errorf("hardware.ph_adc_channel and hardware.thermistor_adc_channel must differ")
		}
		required := []struct {
			name string
			line LineConfig
		}{
			{"acid_pump", hw.AcidPump},
			{"base_pump", hw.BasePump},
			{"heater", hw.Heater},
			{"hall_sensor", hw.HallSensor},
		}
		for _, r := range required {
			if !r.line.Set() {
				return fmt.Errorf("hardware.%s is required when hardware.backend is linux", r.name)
			}
		}
		if hw.MotorPWM.FrequencyHz <= 0 {
			hw.MotorPWM.FrequencyHz = 20000
		}
	default:
		return fmt.Errorf("hardware.backend must be sim or linux (got %q)", hw.Backend)
	}

	if cfg.Sim.RotorInterval <= 0 {
		cfg.Sim.RotorInterval = time.Millisecond
	}
	if cfg.Scheduler.BasePeriod <= 0 {
		cfg.Scheduler.BasePeriod = time.Millisecond
	}

	p := &cfg.PH
	if p.Period <= 0 {
		p.Period = 10 * time.Millisecond
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 10
	}
	if p.Slope == 0 && p.Offset == 0 {
		p.Slope, p.Offset = 1.38, 0.76
	}
	defaultFloat(&p.Tolerance, 0.4)
	if *p.Tolerance < 0 {
		return fmt.Errorf("ph.tolerance must be >= 0")
	}
	if p.Target < 0 || p.Target > 14 {
		return fmt.Errorf("ph.target must be 0 (disabled) or in (0, 14]")
	}
	if p.DefaultPulse <= 0 {
		p.DefaultPulse = 750 * time.Millisecond
	}
	if p.MaxPulse <= 0 {
		p.MaxPulse = 10 * time.Second
	}
	if p.DefaultPulse > p.MaxPulse {
		return fmt.Errorf("ph.default_pulse must not exceed ph.max_pulse")
	}

	th := &cfg.Thermal
	if th.Period <= 0 {
		th.Period = 100 * time.Millisecond
	}
	defaultFloat(&th.Target, 35)
	defaultFloat(&th.Tolerance, 0.5)
	if *th.Tolerance < 0 {
		return fmt.Errorf("thermal.tolerance must be >= 0")
	}
	if th.MaxTarget <= 0 {
		th.MaxTarget = 60
	}
	if *th.Target < 0 || *th.Target > th.MaxTarget {
		return fmt.Errorf("thermal.target must be in [0, thermal.max_target]")
	}
	if th.SeriesOhms <= 0 {
		th.SeriesOhms = 10000
	}
	if th.Vcc <= 0 {
		th.Vcc = 3.3
	}
	th.Model = strings.ToLower(strings.TrimSpace(th.Model))
	if th.Model == "" {
		th.Model = "linear"
	}
	if th.Model != "linear" && th.Model != "beta" {
		return fmt.Errorf("thermal.model must be linear or beta (got %q)", th.Model)
	}

	m := &cfg.Motor
	if m.Period <= 0 {
		m.Period = 10 * time.Millisecond
	}
	if m.PulsesPerRev <= 0 {
		m.PulsesPerRev = 70
	}
	if m.MinRPM <= 0 {
		m.MinRPM = 500
	}
	if m.MaxRPM <= 0 {
		m.MaxRPM = 1500
	}
	if m.MinRPM > m.MaxRPM {
		return fmt.Errorf("motor.min_rpm must not exceed motor.max_rpm")
	}
	if m.Target != 0 && (m.Target < m.MinRPM || m.Target > m.MaxRPM) {
		return fmt.Errorf("motor.target must be 0 or in [motor.min_rpm, motor.max_rpm]")
	}
	if m.SupplyVolts <= 0 {
		m.SupplyVolts = 5
	}
	if m.PWMMax <= 0 {
		m.PWMMax = 1023
	}
	if m.RampStep <= 0 {
		m.RampStep = 50
	}
	if m.StallTimeout <= 0 {
		m.StallTimeout = 100 * time.Millisecond
	}
	if m.FilterAlpha <= 0 {
		m.FilterAlpha = 0.1
	}
	if m.FilterAlpha > 1 {
		return fmt.Errorf("motor.filter_alpha must be in (0, 1]")
	}
	if m.Kv <= 0 {
		m.Kv = 250
	}
	if m.TimeConstant <= 0 {
		m.TimeConstant = 0.15
	}
	if m.Damping <= 0 {
		m.Damping = 1
	}

	if cfg.Telemetry.Interval <= 0 {
		cfg.Telemetry.Interval = 5 * time.Second
	}

	if cfg.MQTT.Enable {
		if cfg.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt.enable is true")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if cfg.MQTT.ConnectTimeout <= 0 {
		cfg.MQTT.ConnectTimeout = 10 * time.Second
	}

	if cfg.Kafka.Enable {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka.enable is true")
		}
		if cfg.Kafka.Topic == "" {
			cfg.Kafka.Topic = "bioreactor.telemetry"
		}
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	if cfg.Web.LogLines <= 0 {
		cfg.Web.LogLines = 500
	}

	if cfg.Console.Baud <= 0 {
		cfg.Console.Baud = 115200
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error (got %q)", cfg.Log.Level)
	}
	return nil
}

// defaultFloat sets *p to def when the key was absent from the file.
func defaultFloat(p **float64, def float64) {
	if *p == nil {
		*p = &def
	}
}
