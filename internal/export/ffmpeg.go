package export

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"media-snipper/internal/project"
)

// Runner executes an external command and returns its stderr.
type Runner interface {
	Run(ctx context.Context, name string, args []string) (stderr string, err error)
}

// ExecRunner runs commands as subprocesses.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}

// Version returns the first line of `ffmpeg -version`.
func Version(ctx context.Context, ffmpegPath string) (string, error) {
	out, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// BuildArgs returns ffmpeg arguments that cut each segment from source, in
// the given order, and concatenate them into output.
func BuildArgs(source string, segs []project.Segment, output, videoCodec, audioCodec string) []string {
	args := make([]string, 0, 1+len(segs)*6+10)
	args = append(args, "-y")
	for _, s := range segs {
		args = append(args,
			"-ss", formatSeconds(s.Start),
			"-t", formatSeconds(s.End-s.Start),
			"-i", source,
		)
	}
	return append(args,
		"-filter_complex", FilterGraph(len(segs)),
		"-map", "[outv]",
		"-map", "[outa]",
		"-c:v", videoCodec,
		"-c:a", audioCodec,
		output,
	)
}

// FilterGraph returns the concat filter joining n inputs' video and audio.
func FilterGraph(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		idx := strconv.Itoa(i)
		b.WriteString("[" + idx + ":v][" + idx + ":a]")
	}
	b.WriteString("concat=n=" + strconv.Itoa(n) + ":v=1:a=1[outv][outa]")
	return b.String()
}
