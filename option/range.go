package option

import (
	"strconv"
	"strings"

	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
	"github.com/sagernet/sing/common/json"
)

// PortRange is an inclusive port range, written as "start-end" or a single
// port.
type PortRange struct {
	Start uint16
	End   uint16
}

func ParsePortRange(value string) (PortRange, error) {
	parts := strings.Split(value, "-")
	if len(parts) > 2 {
		return PortRange{}, E.New("invalid port range: ", value)
	}
	start, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
	if err != nil {
		return PortRange{}, E.Cause(err, "parse port range start")
	}
	end := start
	if len(parts) == 2 {
		end, err = strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
		if err != nil {
			return PortRange{}, E.Cause(err, "parse port range end")
		}
	}
	portRange := PortRange{Start: uint16(start), End: uint16(end)}
	return portRange, portRange.Check()
}

func (r PortRange) IsZero() bool {
	return r.Start == 0 && r.End == 0
}

func (r PortRange) Check() error {
	if r.IsZero() {
		return nil
	}
	if r.Start == 0 {
		return E.New("port range must not include port 0")
	}
	if r.End < r.Start {
		return E.New("upper bound ", r.End, " must be greater than or equal to lower bound ", r.Start)
	}
	return nil
}

func (r PortRange) Contains(port uint16) bool {
	return port >= r.Start && port <= r.End
}

func (r PortRange) String() string {
	if r.Start == r.End {
		return F.ToString(r.Start)
	}
	return F.ToString(r.Start, "-", r.End)
}

func (r PortRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *PortRange) UnmarshalJSON(content []byte) error {
	var value string
	err := json.Unmarshal(content, &value)
	if err != nil {
		return err
	}
	*r, err = ParsePortRange(value)
	return err
}
