package capture

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/host"
	"go.uber.org/zap"

	"kiosklink/internal/core/domain"
	"kiosklink/internal/core/ports"
)

const (
	defaultPowerSupplyDir = "/sys/class/power_supply"
	defaultProfileFile    = "/sys/firmware/acpi/platform_profile"
)

type ThermalThresholds struct {
	FairCelsius     float64
	SeriousCelsius  float64
	CriticalCelsius float64
}

// Classify maps the hottest sensor reading onto a thermal state.
func (t ThermalThresholds) Classify(celsius float64) domain.ThermalState {
	switch {
	case celsius >= t.CriticalCelsius:
		return domain.ThermalCritical
	case celsius >= t.SeriousCelsius:
		return domain.ThermalSerious
	case celsius >= t.FairCelsius:
		return domain.ThermalFair
	default:
		return domain.ThermalNominal
	}
}

// HostSensors reads temperatures through gopsutil and the battery from
// sysfs. Hosts without sensors report nominal and mains power.
type HostSensors struct {
	thresholds     ThermalThresholds
	powerSupplyDir string
	profileFile    string
	temperatures   func(ctx context.Context) ([]host.TemperatureStat, error)
	logger         *zap.SugaredLogger
}

var _ ports.SensorSource = (*HostSensors)(nil)

func NewHostSensors(thresholds ThermalThresholds, logger *zap.SugaredLogger) *HostSensors {
	return &HostSensors{
		thresholds:     thresholds,
		powerSupplyDir: defaultPowerSupplyDir,
		profileFile:    defaultProfileFile,
		temperatures:   host.SensorsTemperaturesWithContext,
		logger:         logger,
	}
}

func (s *HostSensors) Thermal(ctx context.Context) (domain.ThermalState, error) {
	temps, err := s.temperatures(ctx)
	// gopsutil returns partial readings together with warnings
	if err != nil && len(temps) == 0 {
		s.logger.Debugw("no temperature sensors", "error", err)
		return domain.ThermalNominal, nil
	}

	hottest := 0.0
	key := ""
	for _, t := range temps {
		if t.Temperature > hottest {
			hottest, key = t.Temperature, t.SensorKey
		}
	}
	state := s.thresholds.Classify(hottest)
	if state != domain.ThermalNominal {
		s.logger.Debugw("thermal reading", "sensor", key, "celsius", hottest, "state", state)
	}
	return state, nil
}

// Power reads the first battery under the power supply class. The platform
// profile "low-power" counts as low power mode.
func (s *HostSensors) Power(ctx context.Context) (domain.PowerState, error) {
	state := domain.PowerState{BatteryLevel: -1}

	if profile, err := os.ReadFile(s.profileFile); err == nil {
		state.LowPowerMode = strings.TrimSpace(string(profile)) == "low-power"
	}

	entries, err := os.ReadDir(s.powerSupplyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return state, nil
		}
		return state, err
	}
	for _, e := range entries {
		dir := filepath.Join(s.powerSupplyDir, e.Name())
		if readTrimmed(filepath.Join(dir, "type")) != "Battery" {
			continue
		}
		capacity, err := strconv.Atoi(readTrimmed(filepath.Join(dir, "capacity")))
		if err != nil {
			continue
		}
		// a charging battery is treated like mains power
		if readTrimmed(filepath.Join(dir, "status")) == "Charging" {
			return state, nil
		}
		state.BatteryLevel = float64(capacity) / 100
		return state, nil
	}
	return state, nil
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
