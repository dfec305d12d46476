package storage

import (
	"fmt"

	"github.com/htmltopdf/backend/internal/domain/conversion"
	infraconfig "github.com/htmltopdf/backend/internal/infrastructure/config"
	"go.uber.org/zap"
)

// NewDriver builds the driver selected by cfg.Driver
func NewDriver(cfg infraconfig.StorageConfig, logger *zap.Logger) (Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch conversion.DriverType(cfg.Driver) {
	case conversion.DriverTypeLocal, "":
		return NewLocalDriver(cfg.Local.Dir, logger.Named("local")), nil
	case conversion.DriverTypeS3:
		d, err := NewS3Driver(cfg.S3, WithLogger(logger.Named("s3")))
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// NewServiceFromConfig wires the configured driver into a Service
func NewServiceFromConfig(cfg infraconfig.StorageConfig, svcCfg ServiceConfig) (*Service, error) {
	driver, err := NewDriver(cfg, svcCfg.Logger)
	if err != nil {
		return nil, err
	}
	if svcCfg.Retention <= 0 {
		svcCfg.Retention = cfg.Retention
	}
	if svcCfg.SweepInterval <= 0 {
		svcCfg.SweepInterval = cfg.SweepInterval
	}
	return NewService(driver, svcCfg)
}
