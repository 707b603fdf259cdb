package adapter

import (
	"reflect"

	E "github.com/sagernet/sing/common/exceptions"
)

type StartStage uint8

const (
	StartStateInitialize StartStage = iota
	StartStateStart
	StartStatePostStart
	StartStateStarted
)

var ListStartStages = []StartStage{
	StartStateInitialize,
	StartStateStart,
	StartStatePostStart,
	StartStateStarted,
}

func (s StartStage) Action() string {
	switch s {
	case StartStateInitialize:
		return "initialize"
	case StartStateStart:
		return "start"
	case StartStatePostStart:
		return "post-start"
	case StartStateStarted:
		return "start-after-started"
	default:
		panic("unknown stage")
	}
}

type Lifecycle interface {
	Start(stage StartStage) error
	Close() error
}

type LifecycleService interface {
	Name() string
	Lifecycle
}

// Start runs stage on every non-nil lifecycle in order and stops at the
// first failure.
func Start(stage StartStage, lifecycles ...Lifecycle) error {
	for _, lifecycle := range lifecycles {
		if isNil(lifecycle) {
			continue
		}
		err := lifecycle.Start(stage)
		if err != nil {
			return err
		}
	}
	return nil
}

func StartNamed(stage StartStage, services []LifecycleService) error {
	for _, service := range services {
		err := service.Start(stage)
		if err != nil {
			return E.Cause(err, stage.Action(), " ", service.Name())
		}
	}
	return nil
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	reflectValue := reflect.ValueOf(value)
	return reflectValue.Kind() == reflect.Pointer && reflectValue.IsNil()
}
