package mapsaver

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/explorer/internal/config"
	"github.com/banshee-data/explorer/internal/gridmap"
	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/pose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

func newTestSaver(t *testing.T, builder CommandBuilder) (*Saver, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "my_explored_map")
	return &Saver{
		Command:     []string{"ros2", "run", "nav2_map_server", "map_saver_cli", "-f"},
		Path:        path,
		Timeout:     time.Second,
		AllowedDirs: []string{dir},
		builder:     builder,
	}, path
}

// ---------------------------------------------------------------------------
// Saver
// ---------------------------------------------------------------------------

func TestSaveMapBuildsCommand(t *testing.T) {
	t.Parallel()
	b := &MockCommandBuilder{}
	s, path := newTestSaver(t, b)

	require.NoError(t, s.SaveMap(context.Background()))

	last := b.LastCommand()
	require.NotNil(t, last)
	assert.Equal(t, "ros2", last.Name)
	assert.Equal(t, []string{"run", "nav2_map_server", "map_saver_cli", "-f", path}, last.Args)
}

func TestSaveMapErrors(t *testing.T) {
	t.Parallel()

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		b := &MockCommandBuilder{Next: &MockCommand{Block: true}}
		s, _ := newTestSaver(t, b)
		s.Timeout = 10 * time.Millisecond
		err := s.SaveMap(context.Background())
		assert.ErrorIs(t, err, ErrSaveTimeout)
	})

	t.Run("missing tool", func(t *testing.T) {
		t.Parallel()
		b := &MockCommandBuilder{Next: &MockCommand{Err: &exec.Error{Name: "ros2", Err: exec.ErrNotFound}}}
		s, _ := newTestSaver(t, b)
		err := s.SaveMap(context.Background())
		assert.ErrorIs(t, err, ErrToolMissing)
	})

	t.Run("empty command", func(t *testing.T) {
		t.Parallel()
		s, _ := newTestSaver(t, &MockCommandBuilder{})
		s.Command = nil
		assert.ErrorIs(t, s.SaveMap(context.Background()), ErrToolMissing)
	})

	t.Run("tool failure keeps output", func(t *testing.T) {
		t.Parallel()
		b := &MockCommandBuilder{Next: &MockCommand{Output: []byte("map topic not available\n"), Err: errors.New("exit status 1")}}
		s, _ := newTestSaver(t, b)
		err := s.SaveMap(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "map topic not available")
		assert.NotErrorIs(t, err, ErrSaveTimeout)
		assert.NotErrorIs(t, err, ErrToolMissing)
	})

	t.Run("path outside allowed dirs", func(t *testing.T) {
		t.Parallel()
		b := &MockCommandBuilder{}
		s, _ := newTestSaver(t, b)
		s.Path = filepath.Join(s.AllowedDirs[0], "..", "escape")
		assert.ErrorIs(t, s.SaveMap(context.Background()), ErrPathOutsideAllowed)
		assert.Nil(t, b.LastCommand(), "tool never started")
	})
}

func TestSaveMapRealProcess(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("true not available")
	}
	s, _ := newTestSaver(t, ExecCommandBuilder{})
	s.Command = []string{"true"}
	assert.NoError(t, s.SaveMap(context.Background()))

	s.Command = []string{"definitely-not-a-map-saver-binary"}
	assert.ErrorIs(t, s.SaveMap(context.Background()), ErrToolMissing)
}

func TestNewSaverDefaults(t *testing.T) {
	t.Parallel()
	s := NewSaver(config.EmptyConfig(), nil)
	assert.Equal(t, "~/my_explored_map", s.Path)
	assert.Equal(t, 30*time.Second, s.Timeout)
	assert.Equal(t, "ros2", s.Command[0])
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandHome("~/my_explored_map")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "my_explored_map"), got)

	got, err = ExpandHome("/tmp/map")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/map", got)

	got, err = ExpandHome("~user/map")
	require.NoError(t, err)
	assert.Equal(t, "~user/map", got, "other users' homes are not expanded")
}

func TestCheckPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	safe := filepath.Join(dir, "safe")
	outside := filepath.Join(dir, "outside")
	require.NoError(t, os.MkdirAll(safe, 0755))
	require.NoError(t, os.MkdirAll(outside, 0755))
	link := filepath.Join(safe, "link")
	require.NoError(t, os.Symlink(outside, link))

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"direct child", filepath.Join(safe, "map"), false},
		{"new nested file", filepath.Join(safe, "a", "b", "map"), false},
		{"dot dot escape", filepath.Join(safe, "..", "map"), true},
		{"absolute elsewhere", "/etc/passwd", true},
		{"symlinked parent", filepath.Join(link, "map"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPath(tt.path, []string{safe})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrPathOutsideAllowed)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	assert.ErrorIs(t, CheckPath(filepath.Join(safe, "map"), nil), ErrPathOutsideAllowed)
}

// ---------------------------------------------------------------------------
// Chain and Renderer
// ---------------------------------------------------------------------------

type stepFunc func(ctx context.Context) error

func (f stepFunc) SaveMap(ctx context.Context) error { return f(ctx) }

func TestChainRunsEveryStep(t *testing.T) {
	t.Parallel()
	var ran []string
	first := errors.New("tool failed")
	c := Chain{
		stepFunc(func(context.Context) error { ran = append(ran, "tool"); return first }),
		nil,
		stepFunc(func(context.Context) error { ran = append(ran, "render"); return errors.New("render failed") }),
	}
	err := c.SaveMap(context.Background())
	assert.ErrorIs(t, err, first)
	assert.Equal(t, []string{"tool", "render"}, ran)
}

func TestChainRenderAfterToolTimeout(t *testing.T) {
	t.Parallel()
	b := &MockCommandBuilder{Next: &MockCommand{Block: true}}
	s, _ := newTestSaver(t, b)
	s.Timeout = 0

	dir := t.TempDir()
	r := &Renderer{
		Path:        filepath.Join(dir, "run1"),
		AllowedDirs: []string{dir},
		Grid: staticGrid{gridmap.MustParse(0.5, 0, 0, `
			####
			#..#
			####
		`)},
		Trail: staticTrail{},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := Chain{s, r}.SaveMap(ctx)
	assert.ErrorIs(t, err, ErrSaveTimeout)

	info, statErr := os.Stat(filepath.Join(dir, "run1.png"))
	require.NoError(t, statErr, "render runs with its own budget")
	assert.Greater(t, info.Size(), int64(0))
}

func TestChainWithoutDeadline(t *testing.T) {
	t.Parallel()
	var deadlines []bool
	step := stepFunc(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		deadlines = append(deadlines, ok)
		return nil
	})
	require.NoError(t, Chain{step, step}.SaveMap(context.Background()))
	assert.Equal(t, []bool{false, false}, deadlines)
}

type staticGrid struct{ g *gridmap.OccupancyGrid }

func (s staticGrid) Snapshot() *gridmap.OccupancyGrid { return s.g }

type staticTrail struct{}

func (staticTrail) Trail() []pose.Pose2D {
	return []pose.Pose2D{{X: 0.5, Y: 0.5}, {X: 1.5, Y: 0.5}, {X: 2.5, Y: 1.5}}
}

func (staticTrail) StartPosition() (pose.Point, bool) { return pose.Point{X: 0.5, Y: 0.5}, true }

func TestRendererWritesPNG(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	g := gridmap.MustParse(0.5, 0, 0, `
		######
		#....#
		#..?.#
		######
	`)
	r := &Renderer{
		Path:        filepath.Join(dir, "maps", "run1"),
		AllowedDirs: []string{dir},
		Grid:        staticGrid{g},
		Trail:       staticTrail{},
	}

	require.NoError(t, r.SaveMap(context.Background()))
	info, err := os.Stat(filepath.Join(dir, "maps", "run1.png"))
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRendererWithoutGrid(t *testing.T) {
	t.Parallel()
	r := &Renderer{Path: filepath.Join(t.TempDir(), "map"), Grid: staticGrid{}}
	assert.ErrorIs(t, r.SaveMap(context.Background()), ErrNoGrid)
}

func TestCellPointsSubsamples(t *testing.T) {
	t.Parallel()
	g := gridmap.Fill(400, 400, 0.05, gridmap.Occupied)
	free, occupied := cellPoints(g)
	assert.Empty(t, free)
	assert.LessOrEqual(t, len(occupied), maxRenderCells)
	assert.NotEmpty(t, occupied)
}
