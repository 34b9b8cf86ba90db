package audio

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voicebridge-server/pkg/config"
	"voicebridge-server/pkg/metrics"
)

func init() {
	metrics.EnableMetrics(false)
}

// fakeProcess stands in for the ffmpeg subprocess
type fakeProcess struct {
	mu      sync.Mutex
	written bytes.Buffer
	closed  bool

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	waitCh  chan error
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{stdoutR: r, stdoutW: w, waitCh: make(chan error, 1)}
}

func (p *fakeProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.written.Write(b)
}

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProcess) writtenBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

func (p *fakeProcess) exit(err error) {
	select {
	case p.waitCh <- err:
	default:
	}
	p.stdoutW.Close()
}

func (p *fakeProcess) runner(cfg *config.AmbienceConfig) (io.WriteCloser, io.ReadCloser, func() error, func(), error) {
	wait := func() error { return <-p.waitCh }
	terminate := func() { p.exit(nil) }
	return p, p.stdoutR, wait, terminate, nil
}

func ambienceConfig(t *testing.T, withAsset bool) *config.AmbienceConfig {
	t.Helper()
	cfg := &config.AmbienceConfig{
		AssetPath:       filepath.Join(t.TempDir(), "ambience.wav"),
		Weight:          0.18,
		FFmpegPath:      "ffmpeg",
		SilenceInterval: 5 * time.Millisecond,
	}
	if withAsset {
		require.NoError(t, os.WriteFile(cfg.AssetPath, []byte("RIFF"), 0644))
	}
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestStartReturnsFalseWhenAmbienceAssetMissing(t *testing.T) {
	cfg := ambienceConfig(t, false)
	m := NewMixer(quietLogger(), cfg, func([]byte) {})

	assert.False(t, m.Start())

	// The session must still accept these as no-ops without panicking.
	m.Feed([]byte{0x01, 0x02})
	m.SetAISpeaking(true)
	m.SetAISpeaking(false)
	m.Stop()
}

func TestSilenceFramesPushedWhileNotSpeaking(t *testing.T) {
	cfg := ambienceConfig(t, true)
	proc := newFakeProcess()
	m := NewMixer(quietLogger(), cfg, func([]byte) {})
	m.runner = proc.runner

	require.True(t, m.Start())
	defer m.Stop()

	require.Eventually(t, func() bool {
		return len(proc.writtenBytes()) >= silenceFrameSize
	}, time.Second, time.Millisecond, "at least one silence frame must be pushed per idle interval")

	written := proc.writtenBytes()
	for _, b := range written[:silenceFrameSize] {
		require.Equal(t, byte(muLawSilence), b)
	}
}

func TestFeedWritesSpeechToMixerInput(t *testing.T) {
	cfg := ambienceConfig(t, true)
	proc := newFakeProcess()
	m := NewMixer(quietLogger(), cfg, func([]byte) {})
	m.runner = proc.runner

	require.True(t, m.Start())
	defer m.Stop()

	m.SetAISpeaking(true)
	speech := []byte{0x10, 0x20, 0x30, 0x40}
	m.Feed(speech)

	assert.Eventually(t, func() bool {
		return bytes.Contains(proc.writtenBytes(), speech)
	}, time.Second, time.Millisecond)
}

func TestOutputChunksForwardedToCallback(t *testing.T) {
	cfg := ambienceConfig(t, true)
	proc := newFakeProcess()

	var mu sync.Mutex
	var got []byte
	m := NewMixer(quietLogger(), cfg, func(chunk []byte) {
		mu.Lock()
		got = append(got, chunk...)
		mu.Unlock()
	})
	m.runner = proc.runner

	require.True(t, m.Start())
	defer m.Stop()

	mixed := []byte{0xAA, 0xBB, 0xCC}
	_, err := proc.stdoutW.Write(mixed)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return bytes.Equal(got, mixed)
	}, time.Second, time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := ambienceConfig(t, true)
	proc := newFakeProcess()
	m := NewMixer(quietLogger(), cfg, func([]byte) {})
	m.runner = proc.runner

	require.True(t, m.Start())

	m.Stop()
	m.Stop()
	m.Stop()

	// Feeds after stop are no-ops.
	m.Feed([]byte{0x01})
}

func TestStopAfterProcessAlreadyExited(t *testing.T) {
	cfg := ambienceConfig(t, true)
	proc := newFakeProcess()
	m := NewMixer(quietLogger(), cfg, func([]byte) {})
	m.runner = proc.runner

	require.True(t, m.Start())

	// Simulate an unexpected subprocess death mid-call.
	proc.exit(assert.AnError)
	time.Sleep(10 * time.Millisecond)

	m.Stop()
	m.Feed([]byte{0x01})
}

func TestSpeakingFlagPausesSilenceFill(t *testing.T) {
	cfg := ambienceConfig(t, true)
	proc := newFakeProcess()
	m := NewMixer(quietLogger(), cfg, func([]byte) {})
	m.runner = proc.runner

	require.True(t, m.Start())
	defer m.Stop()

	m.SetAISpeaking(true)
	time.Sleep(30 * time.Millisecond)
	before := len(proc.writtenBytes())

	time.Sleep(30 * time.Millisecond)
	after := len(proc.writtenBytes())

	assert.Equal(t, before, after, "no silence frames while the AI is speaking")

	m.SetAISpeaking(false)
	assert.Eventually(t, func() bool {
		return len(proc.writtenBytes()) > after
	}, time.Second, time.Millisecond, "silence fill resumes once speech ends")
}
