package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strings"

	"upscaler/config"
	"upscaler/task"
)

// A filter option value is unescaped twice: once as an option, once as part
// of the graph description.
var (
	optionEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`)
	graphEscaper  = strings.NewReplacer(`\`, `\\`, `'`, `\'`, `[`, `\[`, `]`, `\]`, `,`, `\,`, `;`, `\;`)
)

func escapeFilterValue(v string) string {
	return graphEscaper.Replace(optionEscaper.Replace(v))
}

// FilterGraph returns the fixed upscale chain: upload to the GPU, run
// libplacebo with the custom shader at the target size, download as yuv420p.
func FilterGraph(enc config.Encode, shaderDir string) string {
	shaderPath := filepath.ToSlash(filepath.Join(shaderDir, enc.Shader))
	upscaler := enc.Upscaler
	if upscaler == "" {
		upscaler = "ewa_lanczos"
	}
	return fmt.Sprintf(
		"format=yuv420p,hwupload,libplacebo=w=%d:h=%d:upscaler=%s:custom_shader_path=%s,format=yuv420p",
		enc.Width, enc.Height, upscaler, escapeFilterValue(shaderPath),
	)
}

// BuildArgs derives the full ffmpeg argument list for one task. Progress is
// written as key=value blocks to stdout, diagnostics go to stderr.
func BuildArgs(t *task.Task, enc config.Encode, shaderDir string) ([]string, error) {
	if err := enc.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateShader(enc.Shader); err != nil {
		return nil, err
	}

	var extra []string
	if enc.ExtraArgs != "" {
		var err error
		if extra, err = SplitArgs(enc.ExtraArgs); err != nil {
			return nil, err
		}
		if err := ValidateArgs(extra); err != nil {
			return nil, err
		}
	}

	args := []string{"-progress", "pipe:1", "-nostats", "-hide_banner", "-y"}
	if enc.HWAccelDevice != "" {
		args = append(args, "-hwaccel_device", enc.HWAccelDevice)
	}
	args = append(args, "-i", t.InputPath)
	if enc.InitHWDevice != "" {
		args = append(args, "-init_hw_device", enc.InitHWDevice)
	}
	args = append(args,
		"-vf", FilterGraph(enc, shaderDir),
		"-map", "0", "-c:a", "copy", "-c:d", "copy",
		"-b:v", enc.BitRate,
	)
	if enc.MaxRate != "" {
		args = append(args, "-maxrate", enc.MaxRate)
	}
	if enc.BufSize != "" {
		args = append(args, "-bufsize", enc.BufSize)
	}
	args = append(args, "-c:v", enc.Codec, "-preset", enc.Preset)
	args = append(args, extra...)
	// The output file is always the last argument.
	return append(args, t.OutputPath), nil
}
