//go:build linux

package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/driver"
)

func openSocketCAN(ctx context.Context, iface string, logger *zap.Logger) (driver.Bus, error) {
	return driver.OpenSocketCAN(ctx, iface, logger)
}
