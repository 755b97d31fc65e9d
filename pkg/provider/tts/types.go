package tts

// Voice describes the voice parameters used to render a reply.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Language is the BCP-47 language of the voice (e.g., "en-US"). Providers
	// that infer language from the voice ignore it.
	Language string

	// SpeakingRate adjusts speaking rate (0.25–4.0, 1.0 = default). Zero means
	// the provider default.
	SpeakingRate float64

	// Gender is an optional voice gender hint ("male", "female", "neutral").
	Gender string
}
