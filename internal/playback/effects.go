package playback

import (
	"strconv"

	"github.com/loqalabs/loqa-companion/internal/protocol"
)

type Pitch string

const (
	PitchNone Pitch = ""
	PitchHigh Pitch = "high"
	PitchLow  Pitch = "low"
)

type Stereo string

const (
	StereoBoth  Stereo = ""
	StereoLeft  Stereo = "left"
	StereoRight Stereo = "right"
)

type Tempo string

const (
	TempoNormal Tempo = ""
	TempoFast   Tempo = "fast"
	TempoSlow   Tempo = "slow"
)

// Effects are applied by the player at playback time.
type Effects struct {
	Reverb bool
	Pitch  Pitch
	Stereo Stereo
	Tempo  Tempo
	Repeat bool
	// AltPitch marks audio from the alternate synthesis path, which is voiced
	// higher than the target-language voices.
	AltPitch bool
}

// EffectsFromProtocol converts wire effect toggles. Unknown values are ignored.
func EffectsFromProtocol(in protocol.Effects) Effects {
	e := Effects{Reverb: in.Reverb, Repeat: in.Repeat}
	switch Pitch(in.Pitch) {
	case PitchHigh, PitchLow:
		e.Pitch = Pitch(in.Pitch)
	}
	switch Stereo(in.Stereo) {
	case StereoLeft, StereoRight:
		e.Stereo = Stereo(in.Stereo)
	}
	switch Tempo(in.Tempo) {
	case TempoFast, TempoSlow:
		e.Tempo = Tempo(in.Tempo)
	}
	return e
}

// Args renders the effect chain as trailing player arguments.
func (e Effects) Args() []string {
	var args []string
	if e.Reverb {
		args = append(args, "pad", "0", "2", "reverb")
	}
	switch {
	case e.Pitch == PitchHigh:
		args = append(args, "pitch", "300")
	case e.Pitch == PitchLow:
		args = append(args, "pitch", "-100")
	case e.AltPitch:
		args = append(args, "pitch", "150")
	}
	switch e.Stereo {
	case StereoLeft:
		args = append(args, "remix", "1v1", "1v0")
	case StereoRight:
		args = append(args, "remix", "1v0", "1v1")
	}
	switch e.Tempo {
	case TempoFast:
		args = append(args, "tempo", "1.5")
	case TempoSlow:
		args = append(args, "tempo", "0.6")
	}
	if e.Repeat {
		args = append(args, "repeat", "-")
	}
	return args
}

// Audio is a playable file plus how to play it.
type Audio struct {
	Path    string
	Volume  float64
	Effects Effects
}

// Args renders the full player argument list: -v <volume> <path> [effects...].
func (a Audio) Args() []string {
	args := []string{"-v", strconv.FormatFloat(a.Volume, 'f', -1, 64), a.Path}
	return append(args, a.Effects.Args()...)
}
