package option

import (
	"bytes"
	"context"

	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/common/json"
)

type _Options struct {
	RawMessage   json.RawMessage      `json:"-"`
	Schema       string               `json:"$schema,omitempty"`
	Log          *LogOptions          `json:"log,omitempty"`
	Server       ServerOptions        `json:"server"`
	Store        StoreOptions         `json:"store"`
	Experimental *ExperimentalOptions `json:"experimental,omitempty"`
}

type Options _Options

func (o *Options) UnmarshalJSON(content []byte) error {
	decoder := json.NewDecoderContext(context.Background(), bytes.NewReader(content))
	decoder.DisallowUnknownFields()
	err := decoder.Decode((*_Options)(o))
	if err != nil {
		return err
	}
	o.RawMessage = content
	return checkOptions(o)
}

type LogOptions struct {
	Disabled     bool   `json:"disabled,omitempty"`
	Level        string `json:"level,omitempty"`
	Output       string `json:"output,omitempty"`
	Timestamp    bool   `json:"timestamp,omitempty"`
	DisableColor bool   `json:"-"`
}

func checkOptions(options *Options) error {
	if options.Server.BaseDomain == "" {
		return E.New("missing server.base_domain")
	}
	err := options.Server.TCPPortRange.Check()
	if err != nil {
		return E.Cause(err, "server.tcp_port_range")
	}
	err = options.Server.UDPPortRange.Check()
	if err != nil {
		return E.Cause(err, "server.udp_port_range")
	}
	if options.Store.URL != "" && options.Store.Address != "" {
		return E.New("store.url and store.address are mutually exclusive")
	}
	return nil
}
