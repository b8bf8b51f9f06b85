package common

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env variants in priority order and returns defines for
// variables matching the prefix. Later files override earlier ones:
// .env < .env.local < .env.[mode] < .env.[mode].local
//
// The returned map is keyed by the expression it replaces
// ("process.env.API_URL") and holds JSON string literals.
func LoadEnvFiles(basePath, mode, prefix string) (map[string]string, error) {
	variants := []string{
		basePath,
		basePath + ".local",
		basePath + "." + mode,
		basePath + "." + mode + ".local",
	}

	result := make(map[string]string)
	for _, path := range variants {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		vars, err := godotenv.Read(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		for k, v := range vars {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			result["process.env."+k] = quote(v)
		}
	}
	return result, nil
}

// EnvDefines adds the defines that are always present for a build mode.
// Values already in define take precedence.
func EnvDefines(define map[string]string, mode string) {
	if mode == "" {
		mode = "production"
	}
	if _, ok := define["process.env.NODE_ENV"]; !ok {
		define["process.env.NODE_ENV"] = quote(mode)
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
