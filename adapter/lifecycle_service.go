package adapter

type lifecycleServiceWrapper struct {
	Service
	name  string
	stage StartStage
}

// NewLifecycleService runs service.Start at stage and ignores the others.
func NewLifecycleService(service Service, name string, stage StartStage) LifecycleService {
	return &lifecycleServiceWrapper{
		Service: service,
		name:    name,
		stage:   stage,
	}
}

func (l *lifecycleServiceWrapper) Name() string {
	return l.name
}

func (l *lifecycleServiceWrapper) Start(stage StartStage) error {
	if stage != l.stage {
		return nil
	}
	return l.Service.Start()
}

func (l *lifecycleServiceWrapper) Close() error {
	return l.Service.Close()
}
