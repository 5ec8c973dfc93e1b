package voice

import (
	"strings"

	"vigilance-ai/server/internal/model"
)

const (
	greetingReply     = "Yes, I'm listening. How can I help you?"
	activatedNote     = "VigilanceAI activated"
	deactivationReply = "I'll be here if you need me. Drive safe."
	fallbackReply     = "I'm here for you. Could you tell me more about what you need?"
)

type commandRule struct {
	keywords []string
	reply    string
}

// commandRules 按顺序匹配，第一条命中的规则生效。
// "stop" 同时出现在休息和安静两条规则里，前者优先。
var commandRules = []commandRule{
	{
		keywords: []string{"tired", "sleepy", "drowsy"},
		reply:    "I notice you're feeling tired. Let me find the nearest rest stop for you. It's important to take a break for your safety.",
	},
	{
		keywords: []string{"stressed", "stress", "anxious"},
		reply:    "I understand you're feeling stressed. Let me help you with some calming music, or I can suggest an alternate route if traffic is the issue.",
	},
	{
		keywords: []string{"traffic", "jam", "slow"},
		reply:    "I see traffic is bothering you. Would you like me to find an alternative route? I can also play some relaxing music to help.",
	},
	{
		keywords: []string{"break", "rest", "stop"},
		reply:    "Good idea to take a break. There's a rest area 3 kilometers ahead. Shall I guide you there?",
	},
	{
		keywords: []string{"music", "song", "play"},
		reply:    "I'll play something for you. What mood are you in? Energizing or calming?",
	},
	{
		keywords: []string{"route", "direction", "way"},
		reply:    "Let me check the route for you. Where would you like to go?",
	},
	{
		keywords: []string{"help", "emergency", "urgent"},
		reply:    "I'm here to help. Is everything okay? Do you need me to contact emergency services?",
	},
	{
		keywords: []string{"fine", "good", "okay"},
		reply:    "That's great to hear! I'll keep monitoring and let you know if I notice anything. Just say my name if you need me.",
	},
	{
		keywords: []string{"stop", "quiet", "silence"},
		reply:    "Understood. I'll go quiet now, but I'm still monitoring. Say 'VigilanceAI' anytime you need me.",
	},
}

// ReplyFor 为一句已识别的指令选择固定回复。
func ReplyFor(command string) string {
	lower := strings.ToLower(command)
	for _, rule := range commandRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.reply
			}
		}
	}
	return fallbackReply
}

// EmergencyMessage 按紧急类型（忽略大小写）返回播报文案。
func EmergencyMessage(kind model.TriggerReason) string {
	switch model.TriggerReason(strings.ToUpper(string(kind))) {
	case model.ReasonDrowsiness, model.ReasonFatigue:
		return "Critical drowsiness detected. I strongly recommend you pull over immediately. Your safety is my priority."
	case model.ReasonStress:
		return "I've detected high stress levels. Let's find you a safe place to take a break and calm down."
	case model.ReasonMedical:
		return "Medical distress detected. I'm activating emergency protocols. Please try to pull over safely."
	case model.ReasonCollision:
		return "Collision detected. Stay calm. Emergency services are being contacted. Are you able to respond?"
	default:
		return "I've detected an unusual pattern. Are you okay? Please let me know if you need assistance."
	}
}

// ContainsWakeWord 大小写无关的子串匹配。
func ContainsWakeWord(text string, wakeWords []string) bool {
	lower := strings.ToLower(text)
	for _, w := range wakeWords {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}
