package emit

import (
	"encoding/json"
)

// indexMap is a v3 source map made of sections, one per module.
type indexMap struct {
	Version  int       `json:"version"`
	File     string    `json:"file"`
	Sections []section `json:"sections"`
}

type section struct {
	Offset offset          `json:"offset"`
	Map    json.RawMessage `json:"map"`
}

type offset struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// addSection records a module map starting at line. Invalid maps are
// skipped so one bad input does not drop the whole chunk map.
func (m *indexMap) addSection(line int, sourceMap []byte) {
	if len(sourceMap) == 0 || !json.Valid(sourceMap) {
		return
	}
	m.Sections = append(m.Sections, section{Offset: offset{Line: line}, Map: json.RawMessage(sourceMap)})
}

func (m *indexMap) empty() bool { return len(m.Sections) == 0 }

func (m *indexMap) marshal(file string) ([]byte, error) {
	m.Version = 3
	m.File = file
	return json.Marshal(m)
}

// mappingComment is appended to a file after it has been hashed.
func mappingComment(mapFile string, css bool) string {
	if css {
		return "/*# sourceMappingURL=" + mapFile + " */\n"
	}
	return "//# sourceMappingURL=" + mapFile + "\n"
}
