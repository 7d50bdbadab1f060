package main

import (
	"net/netip"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/LoveWonYoung/osycomm/ipdispatch"
	"github.com/LoveWonYoung/osycomm/routing"
	"github.com/LoveWonYoung/osycomm/tp"
)

// fileConfig is the merged content of the config file, the environment and
// the command line.
type fileConfig struct {
	Topology routing.Topology `mapstructure:"topology"`
	Mode     routing.Mode     `mapstructure:"mode"`

	Client struct {
		Bus    int   `mapstructure:"bus"`
		NodeID uint8 `mapstructure:"node_id"`
	} `mapstructure:"client"`

	CAN struct {
		Iface   string `mapstructure:"iface"`
		Virtual bool   `mapstructure:"virtual"`
	} `mapstructure:"can"`

	IP struct {
		Broadcast      netip.AddrPort `mapstructure:"broadcast"`
		ConnectTimeout time.Duration  `mapstructure:"connect_timeout"`
	} `mapstructure:"ip"`

	KeysDir     string `mapstructure:"keys_dir"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	Log struct {
		Dir      string        `mapstructure:"dir"`
		Level    zapcore.Level `mapstructure:"level"`
		Console  bool          `mapstructure:"console"`
		Rotation time.Duration `mapstructure:"rotation"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	ip := ipdispatch.DefaultConfig()
	v.SetDefault("mode", routing.ModeDiagnostic.String())
	v.SetDefault("client.node_id", tp.MaxNodeID)
	v.SetDefault("ip.broadcast", ip.UDPBroadcast.String())
	v.SetDefault("ip.connect_timeout", ip.ConnectTimeout)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.rotation", time.Hour)
}

func loadConfig(v *viper.Viper) (fileConfig, error) {
	setDefaults(v)
	var cfg fileConfig
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return fileConfig{}, errors.Wrap(err, "decode config")
	}
	if err := cfg.validate(); err != nil {
		return fileConfig{}, err
	}
	return cfg, nil
}

func (c *fileConfig) validate() error {
	if err := c.Topology.Validate(); err != nil {
		return errors.Wrap(err, "topology")
	}
	if c.Client.NodeID > tp.MaxNodeID {
		return errors.Wrapf(tp.ErrOutOfRange, "client node ID %d", c.Client.NodeID)
	}
	if len(c.Topology.Buses) > 0 && (c.Client.Bus < 0 || c.Client.Bus >= len(c.Topology.Buses)) {
		return errors.Wrapf(tp.ErrOutOfRange, "client bus %d", c.Client.Bus)
	}
	return nil
}

// clientID is the address of the client on its bus. Without a system
// definition the client sits on bus ID 0.
func (c *fileConfig) clientID() tp.NodeID {
	id := tp.NodeID{Node: c.Client.NodeID}
	if len(c.Topology.Buses) > 0 {
		id.Bus = c.Topology.Buses[c.Client.Bus].BusID
	}
	return id
}
