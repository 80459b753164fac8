package tts

// VoiceProfile describes a TTS voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string `yaml:"id" json:"id"`

	// Name is the human-readable voice name.
	Name string `yaml:"name" json:"name"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `yaml:"provider" json:"provider"`

	// SpeedFactor adjusts speaking rate (0.5 to 2.0, 1.0 = default). Zero means
	// the provider default.
	SpeedFactor float64 `yaml:"speed" json:"speed,omitempty"`

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string `yaml:"metadata" json:"metadata,omitempty"`
}
