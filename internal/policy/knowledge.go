package policy

import (
	"maps"
	"slices"
)

// #region knowledge
// Knowledge is the persisted, learnable state of the policy engine.
type Knowledge struct {
	Version           int                `json:"version"`
	RiskTokens        map[string]float64 `json:"riskTokens"`
	SeedPhrases       []string           `json:"seedPhrases"`
	Threshold         float64            `json:"threshold"`
	HardBlockPatterns []string           `json:"hardBlockPatterns"`
	IntentWords       []string           `json:"intentWords"`
	TargetWords       []string           `json:"targetWords"`
	ProximityWindow   int                `json:"proximityWindow"`
	NgramWeights      map[string]float64 `json:"ngramWeights"`
	NgramScale        float64            `json:"ngramScale"`
}

const (
	minThreshold = 0.4
	maxThreshold = 0.9

	seedNgramWeight = 0.4
)

// DefaultKnowledge returns the seed knowledge used on first start or when the
// persisted file is missing or corrupt.
func DefaultKnowledge() Knowledge {
	k := Knowledge{
		Version: 2,
		RiskTokens: map[string]float64{
			"rm": 0.5, "rf": 0.6, "format": 0.6, "shutdown": 0.6, "mkfs": 0.7,
			"drop": 0.6, "table": 0.5, "sudo": 0.5, "dd": 0.5, "dev": 0.4,
			"wipe": 0.6, "erase": 0.6, "exfiltrate": 0.7, "netcat": 0.6, "nc": 0.5,
		},
		SeedPhrases: []string{
			"rm -rf /",
			"drop table",
			"format c:",
			"shutdown now",
			"dd if=/dev/",
			"mkfs",
			"netcat -e",
		},
		Threshold: 0.62,
		HardBlockPatterns: []string{
			`(?i)\brm\s+-[a-z]*(rf|fr)[a-z]*\s+(/|~|\*|\$home)`,
			`(?i)\bmkfs(\.[a-z0-9]+)?\s+/dev/`,
			`(?i)\bdd\s+if=\S+\s+of=/dev/(sd|hd|nvme|disk|xvd)`,
			`(?i)\bformat\s+[a-z]:`,
			`(?i)\b(shutdown|poweroff|halt)\s+(now|-h|-p|/s)\b`,
			`(?i)\bdrop\s+(table|database)\s+\w+`,
			`(?i)\b(disable|turn\s+off|stop)\s+(the\s+)?(firewall|antivirus|selinux|windows\s+defender|gatekeeper|sip)\b`,
			`(?i)\bchmod\s+(-r\s+)?777\s+/`,
			`(?i)\b(nc|ncat|netcat)\b.*\s-e\s+/bin/(ba)?sh`,
			`(?i)\bbash\s+-i\s+>&\s*/dev/tcp/`,
			`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`,
		},
		IntentWords: []string{
			"read", "dump", "decrypt", "extract", "exfiltrate", "steal",
			"harvest", "leak", "crack", "reveal",
		},
		TargetWords: []string{
			"password", "passwords", "passwd", "secret", "secrets", "credential",
			"credentials", "shadow", "keychain", "keystore", "apikey", "wallet",
		},
		ProximityWindow: 5,
		NgramWeights:    map[string]float64{},
		NgramScale:      2.0,
	}
	for _, phrase := range k.SeedPhrases {
		for g := range charNgrams(phrase) {
			k.NgramWeights[g] = seedNgramWeight
		}
	}
	return k
}

// withDefaults fills fields a partial file left empty.
func (k Knowledge) withDefaults() Knowledge {
	d := DefaultKnowledge()
	if k.Version == 0 {
		k.Version = d.Version
	}
	if k.RiskTokens == nil {
		k.RiskTokens = d.RiskTokens
	}
	if k.SeedPhrases == nil {
		k.SeedPhrases = d.SeedPhrases
	}
	if k.Threshold == 0 {
		k.Threshold = d.Threshold
	}
	k.Threshold = clampThreshold(k.Threshold)
	if k.HardBlockPatterns == nil {
		k.HardBlockPatterns = d.HardBlockPatterns
	}
	if k.IntentWords == nil {
		k.IntentWords = d.IntentWords
	}
	if k.TargetWords == nil {
		k.TargetWords = d.TargetWords
	}
	if k.ProximityWindow <= 0 {
		k.ProximityWindow = d.ProximityWindow
	}
	if k.NgramWeights == nil {
		k.NgramWeights = d.NgramWeights
	}
	if k.NgramScale <= 0 {
		k.NgramScale = d.NgramScale
	}
	return k
}

// clone returns a deep copy.
func (k Knowledge) clone() Knowledge {
	out := k
	out.RiskTokens = maps.Clone(k.RiskTokens)
	out.NgramWeights = maps.Clone(k.NgramWeights)
	out.SeedPhrases = slices.Clone(k.SeedPhrases)
	out.HardBlockPatterns = slices.Clone(k.HardBlockPatterns)
	out.IntentWords = slices.Clone(k.IntentWords)
	out.TargetWords = slices.Clone(k.TargetWords)
	return out
}

func clampThreshold(v float64) float64 {
	return max(minThreshold, min(maxThreshold, v))
}

// #endregion knowledge
