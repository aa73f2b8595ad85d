package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"
	"sync"
)

// DefaultVolume is the fixed chime volume.
const DefaultVolume = 0.5

// Encodings lists the sound asset encodings in preference order.
var Encodings = []string{"webm", "mp3"}

// SoundURLs returns the candidate asset URLs for a theme.
func SoundURLs(root, theme string) []string {
	base := strings.TrimRight(root, "/") + path.Join("/themes", theme, "static/sounds")
	urls := make([]string, 0, len(Encodings))
	for _, enc := range Encodings {
		urls = append(urls, base+"/notification."+enc)
	}
	return urls
}

// AssetOptions configures an AssetPlayer.
type AssetOptions struct {
	Root  string
	Theme string
	// Command is the audio sink; the asset is piped to its stdin. The
	// placeholders {volume} and {format} are expanded in its arguments.
	Command []string
	Volume  float64
	Client  *http.Client
}

// AssetPlayer fetches the theme's notification sound once and pipes it to
// an external command on every chime.
type AssetPlayer struct {
	urls    []string
	command []string
	volume  float64
	client  *http.Client

	mu     sync.Mutex
	data   []byte
	format string
}

// NewAssetPlayer returns a player for the theme's sound assets.
func NewAssetPlayer(opts AssetOptions) (*AssetPlayer, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("asset player needs a command")
	}
	if opts.Theme == "" {
		opts.Theme = "core"
	}
	if opts.Volume <= 0 || opts.Volume > 1 {
		opts.Volume = DefaultVolume
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &AssetPlayer{
		urls:    SoundURLs(opts.Root, opts.Theme),
		command: opts.Command,
		volume:  opts.Volume,
		client:  opts.Client,
	}, nil
}

// Load fetches the first available encoding. It is a no-op once a load
// succeeded.
func (p *AssetPlayer) Load(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.data != nil {
		return nil
	}

	var errs []error
	for i, u := range p.urls {
		data, err := p.fetch(ctx, u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		p.data = data
		p.format = Encodings[i]
		slog.Debug("sound asset loaded", "url", u, "bytes", len(data))
		return nil
	}
	return fmt.Errorf("loading sound: %w", errors.Join(errs...))
}

func (p *AssetPlayer) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", u, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: empty asset", u)
	}
	return data, nil
}

// Prime loads the asset and checks that the sink command exists. Nothing
// is played.
func (p *AssetPlayer) Prime(ctx context.Context) error {
	if err := p.Load(ctx); err != nil {
		return err
	}
	if _, err := exec.LookPath(p.command[0]); err != nil {
		return fmt.Errorf("audio command: %w", err)
	}
	return nil
}

// Play pipes the asset into the sink command and waits for it to finish.
func (p *AssetPlayer) Play(ctx context.Context) error {
	if err := p.Load(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	data, format := p.data, p.format
	p.mu.Unlock()

	cmd := exec.CommandContext(ctx, p.command[0], p.args(format)...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Env = os.Environ()
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if exitErr, ok := errors.AsType[*exec.ExitError](err); ok {
			return fmt.Errorf("audio command exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("running audio command: %w", err)
	}
	return nil
}

// Format returns the loaded encoding, empty before a successful Load.
func (p *AssetPlayer) Format() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.format
}

func (p *AssetPlayer) args(format string) []string {
	r := strings.NewReplacer(
		"{volume}", strconv.FormatFloat(p.volume, 'f', -1, 64),
		"{format}", format,
	)
	args := make([]string, 0, len(p.command)-1)
	for _, a := range p.command[1:] {
		args = append(args, r.Replace(a))
	}
	return args
}

// BellPlayer rings the terminal bell.
type BellPlayer struct {
	W io.Writer
}

// Prime always succeeds.
func (BellPlayer) Prime(context.Context) error { return nil }

// Play writes BEL to W, or to stderr when W is nil.
func (b BellPlayer) Play(context.Context) error {
	w := b.W
	if w == nil {
		w = os.Stderr
	}
	_, err := io.WriteString(w, "\a")
	return err
}
