package log

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/sagernet/sing-expose/option"
	"github.com/sagernet/sing/common"
	E "github.com/sagernet/sing/common/exceptions"
	"github.com/sagernet/sing/service/filemanager"
)

type factoryWithFile struct {
	ObservableFactory
	file *os.File
}

func (f *factoryWithFile) Close() error {
	return common.Close(common.PtrOrNil(f.file))
}

type Options struct {
	Context       context.Context
	Options       option.LogOptions
	Observable    bool
	DefaultWriter io.Writer
	BaseTime      time.Time
}

func New(options Options) (ObservableFactory, error) {
	logOptions := options.Options

	if logOptions.Disabled {
		return NewNOPFactory(), nil
	}

	var logFile *os.File
	var logWriter io.Writer

	switch logOptions.Output {
	case "":
		logWriter = options.DefaultWriter
		if logWriter == nil {
			logWriter = os.Stderr
		}
	case "stderr":
		logWriter = os.Stderr
	case "stdout":
		logWriter = os.Stdout
	default:
		ctx := options.Context
		if ctx == nil {
			ctx = context.Background()
		}
		var err error
		logFile, err = filemanager.OpenFile(ctx, logOptions.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, E.Cause(err, "open log output")
		}
		logWriter = logFile
	}
	logFormatter := Formatter{
		BaseTime:         options.BaseTime,
		DisableColors:    logOptions.DisableColor || logFile != nil,
		DisableTimestamp: !logOptions.Timestamp && logFile != nil,
		FullTimestamp:    logOptions.Timestamp,
		TimestampFormat:  "-0700 2006-01-02 15:04:05",
	}
	var factory ObservableFactory
	if options.Observable {
		factory = NewObservableFactory(logFormatter, logWriter)
	} else {
		factory = NewFactory(logFormatter, logWriter).(ObservableFactory)
	}
	if logOptions.Level != "" {
		logLevel, err := ParseLevel(logOptions.Level)
		if err != nil {
			common.Close(common.PtrOrNil(logFile))
			return nil, E.Cause(err, "parse log level")
		}
		factory.SetLevel(logLevel)
	} else {
		factory.SetLevel(LevelInfo)
	}
	if logFile != nil {
		factory = &factoryWithFile{
			ObservableFactory: factory,
			file:              logFile,
		}
	}
	return factory, nil
}
