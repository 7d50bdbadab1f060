//go:build windows

package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/driver"
)

// On Windows the first Toomoss USB adapter is used whatever iface names.
func openSocketCAN(ctx context.Context, iface string, logger *zap.Logger) (driver.Bus, error) {
	logger.Debug("opening Toomoss adapter", zap.String("iface", iface))
	return driver.OpenToomoss(ctx, logger)
}
