package voice

import (
	"testing"

	"vigilance-ai/server/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestReplyFor_RuleOrder(t *testing.T) {
	cases := map[string]string{
		"i'm so sleepy":           commandRules[0].reply,
		"feeling anxious today":   commandRules[1].reply,
		"this jam is killing me":  commandRules[2].reply,
		"can we stop somewhere":   commandRules[3].reply,
		"play a song":             commandRules[4].reply,
		"which direction":         commandRules[5].reply,
		"this is urgent":          commandRules[6].reply,
		"i'm fine":                commandRules[7].reply,
		"quiet please":            commandRules[8].reply,
		"tell me a joke":          fallbackReply,
		"I am TIRED and stressed": commandRules[0].reply,
	}
	for input, want := range cases {
		assert.Equal(t, want, ReplyFor(input), input)
	}
}

// TestReplyFor_StopPrefersBreakRule "stop" 同时属于两条规则，靠前的休息规则生效。
func TestReplyFor_StopPrefersBreakRule(t *testing.T) {
	assert.Equal(t,
		"Good idea to take a break. There's a rest area 3 kilometers ahead. Shall I guide you there?",
		ReplyFor("stop"),
	)
}

func TestEmergencyMessage(t *testing.T) {
	drowsy := "Critical drowsiness detected. I strongly recommend you pull over immediately. Your safety is my priority."
	assert.Equal(t, drowsy, EmergencyMessage(model.ReasonDrowsiness))
	assert.Equal(t, drowsy, EmergencyMessage("fatigue"))
	assert.Contains(t, EmergencyMessage(model.ReasonStress), "high stress levels")
	assert.Contains(t, EmergencyMessage(model.ReasonMedical), "Medical distress detected")
	assert.Contains(t, EmergencyMessage(model.ReasonCollision), "Collision detected")
	assert.Equal(t,
		"I've detected an unusual pattern. Are you okay? Please let me know if you need assistance.",
		EmergencyMessage(model.ReasonManual),
	)
}

func TestContainsWakeWord(t *testing.T) {
	words := []string{"vigilanceai", "vigilance"}
	assert.True(t, ContainsWakeWord("hey VigilanceAI", words))
	assert.True(t, ContainsWakeWord("vigilance, wake up", words))
	assert.False(t, ContainsWakeWord("hey assistant", words))
	assert.False(t, ContainsWakeWord("anything", nil))
}

func TestRecognizerError_Permanent(t *testing.T) {
	assert.True(t, RecognizerInsufficientPermissions.Permanent())
	for _, code := range []RecognizerError{
		RecognizerAudio, RecognizerClient, RecognizerNetwork, RecognizerNetworkTimeout,
		RecognizerNoMatch, RecognizerBusy, RecognizerServer, RecognizerSpeechTimeout,
	} {
		assert.False(t, code.Permanent(), code.String())
	}
	assert.Equal(t, "Unknown error: 42", RecognizerError(42).String())
}
