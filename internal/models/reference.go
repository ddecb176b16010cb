package models

// System is a trunked radio system, unique by name.
type System struct {
	ID          int64   `json:"id" bson:"_id"`
	Name        string  `json:"name" bson:"name"`
	Description *string `json:"description,omitempty" bson:"description,omitempty"`
}

// Talkgroup is unique by (SystemID, Number).
type Talkgroup struct {
	ID       int64   `json:"id" bson:"_id"`
	SystemID int64   `json:"systemId" bson:"system_id"`
	Number   int     `json:"tgNumber" bson:"tg_number"`
	Alias    *string `json:"alias,omitempty" bson:"alias,omitempty"`
	// WhisperPrompt is passed to the transcriber as a vocabulary hint.
	WhisperPrompt *string `json:"whisperPrompt,omitempty" bson:"whisper_prompt,omitempty"`
}

// RadioUnit is unique by (SystemID, Number).
type RadioUnit struct {
	ID       int64   `json:"id" bson:"_id"`
	SystemID int64   `json:"systemId" bson:"system_id"`
	Number   int     `json:"unitId" bson:"unit_id"`
	Alias    *string `json:"alias,omitempty" bson:"alias,omitempty"`
}
