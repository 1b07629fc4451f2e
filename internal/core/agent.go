package core

import (
	"fmt"
	"strings"

	"meditalk/pkg"
)

// Budget of the voice agent.  Replies are capped at a couple of sentences
// and the call as a whole at ten minutes.
const (
	AgentMaxTokens             = 150
	AgentTemperature           = 0.7
	AgentLanguage              = "id"
	AgentSilenceTimeoutSeconds = 420
	AgentMaxDurationSeconds    = 600
	AgentEndCallFunction       = "endCall"
)

// BuildAgentSpec composes the voice agent configuration for a consultation.
// The symptom is embedded in both the system prompt and the greeting so the
// agent stays on the patient's complaint.
func BuildAgentSpec(symptom, model string) pkg.AgentSpec {
	symptom = strings.TrimSpace(symptom)
	return pkg.AgentSpec{
		Name:                  "MediTalk",
		SystemPrompt:          fmt.Sprintf(AgentPromptTemplate, symptom),
		FirstMessage:          fmt.Sprintf(AgentFirstMessageTemplate, symptom),
		EndCallMessage:        AgentEndCallMessage,
		Model:                 model,
		MaxTokens:             AgentMaxTokens,
		Temperature:           AgentTemperature,
		Language:              AgentLanguage,
		SilenceTimeoutSeconds: AgentSilenceTimeoutSeconds,
		MaxDurationSeconds:    AgentMaxDurationSeconds,
		Functions:             []string{AgentEndCallFunction},
	}
}
