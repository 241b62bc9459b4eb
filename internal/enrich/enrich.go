// Package enrich detects language/framework from solution text and scores
// a trace's encoding depth and somatic intensity. Grounded on the original
// enrichment service's regex tables and scoring formulas.
package enrich

import (
	"regexp"
	"strings"
)

var fenceRe = regexp.MustCompile("```(\\w+)")

var languagePatterns = map[string][]*regexp.Regexp{
	"python": {
		regexp.MustCompile(`(?m)\bimport\s+\w+`),
		regexp.MustCompile(`(?m)\bfrom\s+\w+\s+import\b`),
		regexp.MustCompile(`(?m)\bdef\s+\w+\s*\(`),
	},
	"javascript": {
		regexp.MustCompile(`(?m)\bconst\s+\w+\s*=\s*require\(`),
		regexp.MustCompile(`(?m)\bimport\s+.*\s+from\s+['"]`),
	},
	"typescript": {
		regexp.MustCompile(`(?m)\binterface\s+\w+\s*\{`),
		regexp.MustCompile(`(?m):\s*(string|number|boolean|any)\b`),
	},
	"rust": {
		regexp.MustCompile(`(?m)\buse\s+\w+::`),
		regexp.MustCompile(`(?m)\bfn\s+\w+\s*\(`),
	},
	"go": {
		regexp.MustCompile(`(?m)\bimport\s+\(`),
		regexp.MustCompile(`(?m)\bfunc\s+\w+\s*\(`),
	},
}

// languageOrder fixes the scan order so detection is deterministic (Go maps
// don't iterate in a stable order).
var languageOrder = []string{"python", "javascript", "typescript", "rust", "go"}

var frameworkPatterns = map[string][]*regexp.Regexp{
	"fastapi":    {regexp.MustCompile(`(?m)\bfrom\s+fastapi\b|\bimport\s+fastapi\b`)},
	"django":     {regexp.MustCompile(`(?m)\bfrom\s+django\b|\bimport\s+django\b`)},
	"flask":      {regexp.MustCompile(`(?m)\bfrom\s+flask\b|\bimport\s+flask\b`)},
	"react":      {regexp.MustCompile(`(?m)\bimport\s+.*\bfrom\s+['"]react['"]`)},
	"vue":        {regexp.MustCompile(`(?m)\bimport\s+.*\bfrom\s+['"]vue['"]`)},
	"next":       {regexp.MustCompile(`(?m)\bfrom\s+['"]next/`)},
	"express":    {regexp.MustCompile(`(?m)\brequire\(['"]express['"]\)`)},
	"sqlalchemy": {regexp.MustCompile(`(?m)\bfrom\s+sqlalchemy\b|\bimport\s+sqlalchemy\b`)},
	"docker":     {regexp.MustCompile(`(?m)\bFROM\s+\S+|\bDockerfile\b`)},
	"kubernetes": {regexp.MustCompile(`(?m)\bapiVersion:\s+\S+|\bkind:\s+(Deployment|Service|Pod)\b`)},
	"terraform":  {regexp.MustCompile(`(?m)\bresource\s+"`)},
	"postgres":   {regexp.MustCompile(`(?mi)\bCREATE\s+TABLE\b|\bSELECT\s+.*\bFROM\b`)},
}

var frameworkOrder = []string{
	"fastapi", "django", "flask", "react", "vue", "next", "express",
	"sqlalchemy", "docker", "kubernetes", "terraform", "postgres",
}

var versionRe = regexp.MustCompile(`[=@:^~]\d+\.\d+(?:\.\d+)?`)

var languageAliases = map[string]string{
	"js": "javascript", "ts": "typescript", "py": "python", "rb": "ruby", "rs": "rust",
}

// DetectLanguage finds the primary language from solution text: code fences
// first (most reliable), then import/syntax pattern matching.
func DetectLanguage(solutionText string) string {
	if m := fenceRe.FindStringSubmatch(solutionText); m != nil {
		lang := strings.ToLower(m[1])
		if alias, ok := languageAliases[lang]; ok {
			return alias
		}
		return lang
	}

	for _, lang := range languageOrder {
		for _, p := range languagePatterns[lang] {
			if p.MatchString(solutionText) {
				return lang
			}
		}
	}
	return ""
}

// DetectFramework finds the primary framework from solution text.
func DetectFramework(solutionText string) string {
	for _, fw := range frameworkOrder {
		for _, p := range frameworkPatterns[fw] {
			if p.MatchString(solutionText) {
				return fw
			}
		}
	}
	return ""
}

// DepthScore computes the 0-4 encoding depth score from metadata and solution text.
func DepthScore(metadata map[string]any, solutionText string) int {
	score := 0

	if s, _ := metadata["error_message"].(string); s != "" {
		score++
	}

	hasLang := nonEmptyString(metadata, "language")
	hasFramework := nonEmptyString(metadata, "framework")
	hasVersions := metadata["versions"] != nil
	if hasLang && (hasFramework || hasVersions) {
		score++
	}

	if len(solutionText) > 200 {
		score++
	}

	if versionRe.MatchString(solutionText) {
		score++
	}

	return score
}

func nonEmptyString(metadata map[string]any, key string) bool {
	if metadata == nil {
		return false
	}
	s, _ := metadata[key].(string)
	return s != ""
}

var patternBase = map[string]float64{
	"error_resolution":        0.6,
	"security_hardening":       0.8,
	"approach_reversal":        0.5,
	"prediction_error":         0.7,
	"dependency_resolution":    0.4,
	"test_fix_cycle":           0.4,
	"migration_pattern":        0.5,
	"user_correction":          0.5,
	"infra_discovery":          0.4,
	"research_then_implement":  0.3,
	"config_discovery":         0.3,
	"cross_file_breadth":       0.2,
}

// SomaticIntensity computes the 0.0-1.0 initial somatic intensity from
// detection metadata (detection_pattern, error_count,
// time_to_resolution_minutes, iteration_count).
func SomaticIntensity(metadata map[string]any) float64 {
	pattern, _ := metadata["detection_pattern"].(string)
	intensity, ok := patternBase[pattern]
	if !ok {
		intensity = 0.2
	}

	if errs := numberField(metadata, "error_count"); errs > 0 {
		intensity += min(0.2, errs*0.03)
	}
	if mins := numberField(metadata, "time_to_resolution_minutes"); mins > 0 {
		intensity += min(0.15, mins*0.005)
	}
	if iters := numberField(metadata, "iteration_count"); iters > 0 {
		intensity += min(0.1, iters*0.01)
	}

	return min(1.0, intensity)
}

func numberField(metadata map[string]any, key string) float64 {
	if metadata == nil {
		return 0
	}
	switch v := metadata[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// AutoEnrich fills language/framework into metadata when not already set,
// leaving explicit contributor-provided values untouched.
func AutoEnrich(metadata map[string]any, solutionText string) map[string]any {
	enriched := map[string]any{}
	for k, v := range metadata {
		enriched[k] = v
	}

	if !nonEmptyString(enriched, "language") {
		if lang := DetectLanguage(solutionText); lang != "" {
			enriched["language"] = lang
		}
	}
	if !nonEmptyString(enriched, "framework") {
		if fw := DetectFramework(solutionText); fw != "" {
			enriched["framework"] = fw
		}
	}

	return enriched
}
