package log

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatterTagsConnectionID(t *testing.T) {
	t.Parallel()
	formatter := Formatter{DisableColors: true, DisableTimestamp: true}
	ctx := ContextWithID(context.Background(), ID{ID: 42, CreatedAt: time.Now()})
	message, simple := formatter.FormatWithSimple(ctx, LevelInfo, "control", "tunnel opened", time.Now())
	require.Equal(t, "INFO [42] control: tunnel opened\n", message)
	require.Equal(t, "[42] control: tunnel opened", simple)
}

func TestFormatterRelativeTimestamp(t *testing.T) {
	t.Parallel()
	base := time.Unix(1000, 0)
	formatter := Formatter{BaseTime: base, DisableColors: true}
	message := formatter.Format(context.Background(), LevelWarn, "", "late frame", base.Add(12*time.Second))
	require.Equal(t, "WARN[0012] late frame\n", message)
}

func TestFactoryLevelFilter(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	factory := NewFactory(Formatter{DisableColors: true, DisableTimestamp: true}, &buffer)
	factory.SetLevel(LevelInfo)
	logger := factory.NewLogger("router")
	logger.Debug("hidden")
	logger.Info("shown ", 1)
	require.Equal(t, "INFO router: shown 1\n", buffer.String())
}

func TestObservableFactoryEmits(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	factory := NewObservableFactory(Formatter{DisableColors: true, DisableTimestamp: true}, &buffer)
	subscription, done, err := factory.Subscribe()
	require.NoError(t, err)
	defer factory.UnSubscribe(subscription)
	factory.Logger().Error("boom")
	select {
	case entry := <-subscription:
		require.Equal(t, LevelError, entry.Level)
		require.Equal(t, "boom", entry.Message)
	case <-done:
		t.Fatal("observer closed")
	case <-time.After(time.Second):
		t.Fatal("entry not emitted")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	level, err := ParseLevel("warning")
	require.NoError(t, err)
	require.Equal(t, LevelWarn, level)
	_, err = ParseLevel("loud")
	require.Error(t, err)
}
