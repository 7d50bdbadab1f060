//go:build !linux && !windows

package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/driver"
	"github.com/LoveWonYoung/osycomm/tp"
)

func openSocketCAN(ctx context.Context, iface string, logger *zap.Logger) (driver.Bus, error) {
	return nil, errors.Wrapf(tp.ErrNotConfigured, "SocketCAN %s: only available on linux", iface)
}
