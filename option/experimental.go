package option

import "github.com/sagernet/sing/common/json/badoption"

type ExperimentalOptions struct {
	AdminAPI *AdminAPIOptions `json:"admin_api,omitempty"`
	Metrics  *MetricOptions   `json:"metrics,omitempty"`
}

type AdminAPIOptions struct {
	Listen                   string                     `json:"listen,omitempty"`
	Secret                   string                     `json:"secret,omitempty"`
	AccessControlAllowOrigin badoption.Listable[string] `json:"access_control_allow_origin,omitempty"`
}

type MetricOptions struct {
	Listen string `json:"listen,omitempty"`
	Path   string `json:"path,omitempty"`
}

func (o MetricOptions) Enabled() bool {
	return o.Listen != ""
}
