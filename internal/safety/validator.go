package safety

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiln-systems/kiln/internal/models"
)

// Mode selects how the validator treats codes it does not recognize.
type Mode string

const (
	// Strict rejects unknown G/M codes outright.
	Strict Mode = "STRICT"
	// DryRun downgrades unknown G/M codes to warnings, for previewing a
	// file without blocking on an incomplete code table.
	DryRun Mode = "DRY_RUN"
)

// ErrBatchTooLarge is returned when more than maxBatchCommands lines are
// submitted to Validate with capEnforced set. It is not returned for file
// uploads, which pass capEnforced=false.
var ErrBatchTooLarge = errors.New("gcode batch exceeds maximum of 100 commands")

const maxBatchCommands = 100

// Classification is a single flagged line.
type Classification struct {
	LineNo  int
	Command string
	Reason  string
}

// Result is the outcome of validating a G-code stream.
type Result struct {
	Accepted   []string
	Rejections []Classification
	Warnings   []Classification
}

// parsedLine is a line stripped of comments with its command word and
// numeric arguments extracted.
type parsedLine struct {
	lineNo int
	raw    string
	word   string // e.g. "G1", "M104"
	args   map[byte]float64
}

var knownCodes = map[string]bool{
	"G0": true, "G1": true, "G2": true, "G3": true, "G4": true,
	"G28": true, "G29": true, "G90": true, "G91": true, "G92": true,
	"M17": true, "M18": true, "M82": true, "M83": true, "M84": true,
	"M104": true, "M105": true, "M106": true, "M107": true, "M109": true,
	"M112": true, "M114": true, "M140": true, "M141": true, "M190": true,
	"M191": true, "M201": true, "M203": true, "M204": true, "M205": true,
	"M220": true, "M221": true, "M226": true, "M400": true, "M420": true,
	"M500": true, "M501": true, "M502": true, "M503": true,
	"M552": true, "M553": true, "M554": true, "M997": true, "M999": true,
}

// blockedAbsolute lists commands that are never accepted, regardless of
// profile.
var blockedAbsolute = map[string]string{
	"M502": "factory reset is never permitted through this interface",
	"M997": "firmware upgrade is never permitted through this interface",
	"M552": "network reconfiguration is never permitted through this interface",
	"M553": "network reconfiguration is never permitted through this interface",
	"M554": "network reconfiguration is never permitted through this interface",
}

var heaterCommands = map[string]byte{
	"M104": 'S', // set hotend, no wait
	"M109": 'S', // set hotend, wait
	"M140": 'S', // set bed, no wait
	"M190": 'S', // set bed, wait
}

// Validate screens lines against profile under mode. When capEnforced is
// true, more than 100 non-blank commands yields ErrBatchTooLarge; pass false
// for file uploads, which have no such cap.
func Validate(lines []string, profile models.SafetyProfile, mode Mode, capEnforced bool) (Result, error) {
	parsed := make([]parsedLine, 0, len(lines))
	for i, line := range lines {
		stripped := stripComment(line)
		stripped = strings.TrimSpace(stripped)
		if stripped == "" {
			continue
		}
		parsed = append(parsed, parseLine(i, stripped))
	}

	if capEnforced && len(parsed) > maxBatchCommands {
		return Result{}, ErrBatchTooLarge
	}

	extrusionAfter := computeExtrusionAfter(parsed)

	var result Result
	sawM500 := false
	sawG28 := false
	sawFirstNonZeroZMove := false

	for i, pl := range parsed {
		if reason, blocked := blockedAbsolute[pl.word]; blocked {
			result.Rejections = append(result.Rejections, Classification{pl.lineNo, pl.raw, reason})
			continue
		}

		if pl.word == "M500" {
			sawM500 = true
		}
		if pl.word == "M501" && !sawM500 {
			result.Rejections = append(result.Rejections, Classification{pl.lineNo, pl.raw,
				"M501 (restore from EEPROM) with no prior M500 write in this stream"})
			continue
		}

		if argByte, ok := heaterCommands[pl.word]; ok {
			if v, present := pl.args[argByte]; present {
				if v < 0 {
					result.Rejections = append(result.Rejections, Classification{pl.lineNo, pl.raw,
						fmt.Sprintf("negative temperature target %.1f", v)})
					continue
				}
				limit := hotendOrBedLimit(pl.word, profile)
				if limit > 0 && v > limit {
					result.Rejections = append(result.Rejections, Classification{pl.lineNo, pl.raw,
						fmt.Sprintf("exceeds max %s (%.0f)", limitName(pl.word), limit)})
					continue
				}
				if isHotendSetter(pl.word) && v < 150 && v > 0 && extrusionAfter[i] {
					result.Warnings = append(result.Warnings, Classification{pl.lineNo, pl.raw,
						"hotend target below 150C with extrusion commands following (cold extrusion risk)"})
				}
			}
		}

		if pl.word == "G28" {
			sawG28 = true
		}
		if (pl.word == "G0" || pl.word == "G1") && !sawFirstNonZeroZMove {
			if z, ok := pl.args['Z']; ok && z != 0 {
				sawFirstNonZeroZMove = true
				if !sawG28 {
					result.Warnings = append(result.Warnings, Classification{pl.lineNo, pl.raw,
						"Z move before homing (G28 not seen)"})
				}
			}
		}

		if pl.word == "G0" || pl.word == "G1" || pl.word == "G2" || pl.word == "G3" {
			if f, ok := pl.args['F']; ok && profile.MaxFeedrateMMMin > 0 && f > profile.MaxFeedrateMMMin {
				result.Warnings = append(result.Warnings, Classification{pl.lineNo, pl.raw,
					fmt.Sprintf("feedrate %.0f exceeds profile max %.0f mm/min", f, profile.MaxFeedrateMMMin)})
			}
		}

		if !knownCodes[pl.word] {
			if mode == Strict {
				result.Rejections = append(result.Rejections, Classification{pl.lineNo, pl.raw,
					fmt.Sprintf("unknown command %s", pl.word)})
				continue
			}
			result.Warnings = append(result.Warnings, Classification{pl.lineNo, pl.raw,
				fmt.Sprintf("unknown command %s (accepted under DRY_RUN)", pl.word)})
		}

		result.Accepted = append(result.Accepted, pl.raw)
	}

	return result, nil
}

func isHotendSetter(word string) bool {
	return word == "M104" || word == "M109"
}

func hotendOrBedLimit(word string, profile models.SafetyProfile) float64 {
	switch word {
	case "M104", "M109":
		return profile.MaxHotendC
	case "M140", "M190":
		return profile.MaxBedC
	}
	return 0
}

func limitName(word string) string {
	switch word {
	case "M104", "M109":
		return "hotend"
	case "M140", "M190":
		return "bed"
	}
	return ""
}

// computeExtrusionAfter returns, for each index i, whether any later line is
// a G0/G1 move with a positive E parameter.
func computeExtrusionAfter(parsed []parsedLine) []bool {
	out := make([]bool, len(parsed))
	seen := false
	for i := len(parsed) - 1; i >= 0; i-- {
		out[i] = seen
		pl := parsed[i]
		if pl.word == "G0" || pl.word == "G1" {
			if e, ok := pl.args['E']; ok && e > 0 {
				seen = true
			}
		}
	}
	return out
}

func stripComment(line string) string {
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		return line[:idx]
	}
	return line
}

func parseLine(lineNo int, line string) parsedLine {
	fields := strings.Fields(line)
	pl := parsedLine{lineNo: lineNo, raw: line, args: map[byte]float64{}}
	if len(fields) == 0 {
		return pl
	}
	pl.word = strings.ToUpper(fields[0])
	for _, tok := range fields[1:] {
		if len(tok) < 2 {
			continue
		}
		letter := tok[0] & 0xdf // uppercase ASCII letter
		val, err := strconv.ParseFloat(tok[1:], 64)
		if err != nil {
			continue
		}
		pl.args[letter] = val
	}
	return pl
}
