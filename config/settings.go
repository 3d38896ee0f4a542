package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Encode is the per-run encode configuration. It is read once at the start of
// a run and passed by value, so a run never sees a half-edited file.
type Encode struct {
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	BitRate       string `json:"bitRate"`
	MaxRate       string `json:"maxRate"`
	BufSize       string `json:"bufSize"`
	Codec         string `json:"codec"`
	Preset        string `json:"preset"`
	Shader        string `json:"shader"`
	Upscaler      string `json:"upscaler"`
	HWAccelDevice string `json:"hwaccelDevice"`
	InitHWDevice  string `json:"initHwDevice"`
	ExtraArgs     string `json:"extraArgs,omitempty"`
}

// Validate reports the first setting that cannot produce a usable command.
func (e Encode) Validate() error {
	switch {
	case e.Width <= 0:
		return fmt.Errorf("width must be a positive integer, got %d", e.Width)
	case e.Height <= 0:
		return fmt.Errorf("height must be a positive integer, got %d", e.Height)
	case e.BitRate == "":
		return errors.New("bit_rate is required")
	case e.Codec == "":
		return errors.New("codec is required")
	case e.Preset == "":
		return errors.New("preset is required")
	case e.Shader == "":
		return errors.New("shader is required")
	}
	return nil
}

// SettingsLoader reads the [Settings] section of the encode INI file. Every
// call re-reads the file.
type SettingsLoader struct {
	Path string
}

func NewSettingsLoader(path string) *SettingsLoader {
	return &SettingsLoader{Path: path}
}

func (l *SettingsLoader) Load() (Encode, error) {
	vp := viper.New()

	vp.SetDefault("settings.width", 3840)
	vp.SetDefault("settings.height", 2160)
	vp.SetDefault("settings.bit_rate", "8M")
	vp.SetDefault("settings.max_rate", "20M")
	vp.SetDefault("settings.buf_size", "40M")
	vp.SetDefault("settings.codec", "hevc_nvenc")
	vp.SetDefault("settings.preset", "p7")
	vp.SetDefault("settings.shader", "Anime4K_ModeA_A.glsl")
	vp.SetDefault("settings.upscaler", "ewa_lanczos")
	vp.SetDefault("settings.hwaccel_device", "opencl")
	vp.SetDefault("settings.init_hw_device", "vulkan")
	vp.SetDefault("settings.extra_args", "")

	if l.Path != "" {
		if _, err := os.Stat(l.Path); err == nil {
			vp.SetConfigFile(l.Path)
			vp.SetConfigType("ini")
			if err := vp.ReadInConfig(); err != nil {
				return Encode{}, fmt.Errorf("read settings %s: %w", l.Path, err)
			}
		} else if !os.IsNotExist(err) {
			return Encode{}, fmt.Errorf("stat settings %s: %w", l.Path, err)
		}
	}

	// Keys are read one by one so that defaults fill gaps in a partial section.
	enc := Encode{
		Width:         vp.GetInt("settings.width"),
		Height:        vp.GetInt("settings.height"),
		BitRate:       vp.GetString("settings.bit_rate"),
		MaxRate:       vp.GetString("settings.max_rate"),
		BufSize:       vp.GetString("settings.buf_size"),
		Codec:         vp.GetString("settings.codec"),
		Preset:        vp.GetString("settings.preset"),
		Shader:        vp.GetString("settings.shader"),
		Upscaler:      vp.GetString("settings.upscaler"),
		HWAccelDevice: vp.GetString("settings.hwaccel_device"),
		InitHWDevice:  vp.GetString("settings.init_hw_device"),
		ExtraArgs:     vp.GetString("settings.extra_args"),
	}
	if err := enc.Validate(); err != nil {
		return Encode{}, fmt.Errorf("invalid settings in %s: %w", l.Path, err)
	}
	return enc, nil
}
