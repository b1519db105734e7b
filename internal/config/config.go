package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/lowaak/virtual-shift/internal/shift"
)

// Config is the fully-resolved application configuration. Load validates it
// before returning, so a Config in hand is safe to act on.
type Config struct {
	Bluetooth  BluetoothConfig
	Gears      shift.GearConfig
	Resistance shift.ResistanceConfig
	Display    DisplayConfig
	Log        LogConfig

	ShiftSmoothing time.Duration
}

type BluetoothConfig struct {
	KickrName      string
	ClickLeftName  string
	ClickRightName string
	ScanTimeout    time.Duration

	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

type DisplayConfig struct {
	ShowGearChanges bool
}

type LogConfig struct {
	File       string // empty means stderr only
	MaxSizeMB  int
	MaxBackups int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bluetooth.kickr_name", "KICKR")
	v.SetDefault("bluetooth.click_left_name", "Zwift Click")
	v.SetDefault("bluetooth.click_right_name", "Zwift Click")
	v.SetDefault("bluetooth.scan_timeout", 10)
	v.SetDefault("bluetooth.reconnect_attempts", 5)
	v.SetDefault("bluetooth.reconnect_delay_seconds", 2)

	v.SetDefault("gears.total_gears", 24)
	v.SetDefault("gears.current_gear", 12)
	v.SetDefault("gears.min_gear", 1)
	v.SetDefault("gears.max_gear", 24)
	v.SetDefault("gears.shift_smoothing_ms", 0)

	v.SetDefault("resistance.base_resistance", 0.0)
	v.SetDefault("resistance.resistance_per_gear", 2.5)
	v.SetDefault("resistance.min_resistance_percent", 0.0)
	v.SetDefault("resistance.max_resistance_percent", 100.0)
	v.SetDefault("resistance.enable_erg_mode", false)
	v.SetDefault("resistance.base_power_watts", 150)
	v.SetDefault("resistance.power_per_gear_watts", 10)

	v.SetDefault("display.show_gear_changes", true)

	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
}

// Load reads the config file at path (YAML), applies defaults for anything
// unset, and validates the result. An empty path uses defaults only.
// Validation failures are fatal to the caller by design: nothing should talk
// to a trainer with a half-checked config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Bluetooth: BluetoothConfig{
			KickrName:      v.GetString("bluetooth.kickr_name"),
			ClickLeftName:  v.GetString("bluetooth.click_left_name"),
			ClickRightName: v.GetString("bluetooth.click_right_name"),
			ScanTimeout:    time.Duration(v.GetInt("bluetooth.scan_timeout")) * time.Second,

			ReconnectAttempts: v.GetInt("bluetooth.reconnect_attempts"),
			ReconnectDelay:    time.Duration(v.GetInt("bluetooth.reconnect_delay_seconds")) * time.Second,
		},
		Gears: shift.GearConfig{
			TotalGears:  v.GetInt("gears.total_gears"),
			CurrentGear: v.GetInt("gears.current_gear"),
			MinGear:     v.GetInt("gears.min_gear"),
			MaxGear:     v.GetInt("gears.max_gear"),
		},
		Resistance: shift.ResistanceConfig{
			BaseResistance:    v.GetFloat64("resistance.base_resistance"),
			ResistancePerGear: v.GetFloat64("resistance.resistance_per_gear"),
			MinResistance:     v.GetFloat64("resistance.min_resistance_percent"),
			MaxResistance:     v.GetFloat64("resistance.max_resistance_percent"),
			ERGMode:           v.GetBool("resistance.enable_erg_mode"),
			BasePowerWatts:    v.GetInt("resistance.base_power_watts"),
			PowerPerGearWatts: v.GetInt("resistance.power_per_gear_watts"),
		},
		Display: DisplayConfig{
			ShowGearChanges: v.GetBool("display.show_gear_changes"),
		},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
		},
		ShiftSmoothing: time.Duration(v.GetInt("gears.shift_smoothing_ms")) * time.Millisecond,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section. Runs before any Bluetooth activity.
func (c *Config) Validate() error {
	if c.Bluetooth.KickrName == "" {
		return fmt.Errorf("bluetooth.kickr_name cannot be empty")
	}
	if c.Bluetooth.ClickLeftName == "" {
		return fmt.Errorf("bluetooth.click_left_name cannot be empty")
	}
	if c.Bluetooth.ClickRightName == "" {
		return fmt.Errorf("bluetooth.click_right_name cannot be empty")
	}
	if c.Bluetooth.ScanTimeout <= 0 {
		return fmt.Errorf("bluetooth.scan_timeout must be > 0")
	}
	if c.Bluetooth.ReconnectAttempts < 1 {
		return fmt.Errorf("bluetooth.reconnect_attempts must be >= 1")
	}
	if c.Bluetooth.ReconnectDelay < 0 {
		return fmt.Errorf("bluetooth.reconnect_delay_seconds cannot be negative")
	}
	if err := c.Gears.Validate(); err != nil {
		return err
	}
	if err := c.Resistance.Validate(); err != nil {
		return err
	}
	if c.ShiftSmoothing < 0 {
		return fmt.Errorf("gears.shift_smoothing_ms cannot be negative")
	}
	if c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0")
	}
	if c.Log.MaxBackups < 0 {
		return fmt.Errorf("log.max_backups cannot be negative")
	}
	return nil
}
