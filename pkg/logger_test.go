package pkg

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func() *Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  func() *Config { return nil },
		},
		{
			name: "console format on stderr",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Format = "console"
				c.Console.Output = "stderr"
				return c
			},
		},
		{
			name: "no output",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Console.Enable = false
				return c
			},
		},
		{
			name: "async writer",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Console.Enable = false
				c.AsyncWrite = true
				return c
			},
		},
		{
			name: "invalid level",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Level = "loud"
				return c
			},
			wantErr: true,
		},
		{
			name: "file output without path",
			cfg: func() *Config {
				c := DefaultConfig()
				c.File.Enable = true
				c.File.Path = ""
				return c
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestFileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "node.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = logFile
	cfg.File.Compress = false

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info().Str("node", "127.0.0.1:7001").Msg("file output")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file output")
	assert.Contains(t, string(data), "127.0.0.1:7001")
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	base := &Logger{Logger: &zl, config: DefaultConfig(), fields: Fields{"node": "a"}}

	child := base.WithFields(Fields{"component": "operator"})
	child.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"component":"operator"`)
	assert.Equal(t, Fields{"node": "a", "component": "operator"}, child.Fields())
	assert.Equal(t, Fields{"node": "a"}, base.Fields(), "parent fields must not change")
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	base := &Logger{Logger: &zl, config: DefaultConfig(), fields: Fields{}}

	assert.Same(t, base, base.WithError(nil))

	base.WithError(errors.New("boom")).Warn().Msg("failed")
	assert.Contains(t, buf.String(), `"error":"boom"`)
}

func TestUpdateLevel(t *testing.T) {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	logger := &Logger{Logger: &zl, config: DefaultConfig(), fields: Fields{}}

	require.NoError(t, logger.UpdateLevel("error"))
	logger.Info().Msg("hidden")
	assert.Empty(t, buf.String())

	assert.Error(t, logger.UpdateLevel("nope"))
}

func TestLoggerConcurrent(t *testing.T) {
	logger := Nop()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			logger.WithFields(Fields{"goroutine": id}).Info().Msg("concurrent log")
		}(i)
	}
	wg.Wait()
}

func TestGlobal(t *testing.T) {
	l := Nop()
	SetGlobal(l)
	t.Cleanup(func() { SetGlobal(nil) })
	assert.Same(t, l, Get())
}
