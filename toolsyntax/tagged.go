package toolsyntax

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/gyre-dev/gyre/modelstream"
)

// Tag-delimited grammar:
//
//	<tool name="read_file">
//	<param name="path">main.go</param>
//	<param name="content">
//	verbatim multi-line value
//	</param>
//	</tool>
//
// Markers are recognized at line starts only. Repeated parameter keys merge
// into an ordered list. Everything outside a tool block streams through as
// plain text.
const taggedOpenMarker = "<tool "

var (
	taggedOpenRe       = regexp.MustCompile(`^<tool name="([^"]*)">$`)
	taggedParamLineRe  = regexp.MustCompile(`^<param name="([^"]*)">(.*)</param>$`)
	taggedParamOpenRe  = regexp.MustCompile(`^<param name="([^"]*)">$`)
	taggedParamCloseRe = regexp.MustCompile(`^</param>$`)
	taggedCloseRe      = regexp.MustCompile(`^</tool>$`)
)

type taggedState int

const (
	taggedIdle taggedState = iota
	taggedInTool
	taggedParamBlock
)

type taggedParser struct {
	buf     string
	midline bool
	state   taggedState

	toolName   string
	params     *paramCollector
	blockKey   string
	blockLines []string

	req    *ToolRequest
	halted bool
	err    *ParseError
}

func newTaggedParser() *taggedParser {
	return &taggedParser{}
}

func (p *taggedParser) ProcessChunk(chunk modelstream.StreamingChunk) ([]Fragment, error) {
	if p.halted {
		return nil, ErrToolLimit
	}
	switch chunk.Kind {
	case modelstream.ChunkText:
		return p.feed(chunk.Text)
	case modelstream.ChunkReasoning:
		return []Fragment{thinkingFragment(chunk.Reasoning)}, nil
	case modelstream.ChunkDone:
		return p.flush(), nil
	default:
		return nil, nil
	}
}

func (p *taggedParser) feed(text string) ([]Fragment, error) {
	p.buf += text
	var frags []Fragment

	for {
		nl := strings.IndexByte(p.buf, '\n')
		if nl < 0 {
			break
		}
		line := strings.TrimSuffix(p.buf[:nl], "\r")
		p.buf = p.buf[nl+1:]

		if p.midline {
			frags = append(frags, textFragment(line+"\n"))
			p.midline = false
			continue
		}

		fs, halt := p.handleLine(line)
		frags = append(frags, fs...)
		if halt {
			p.halted = true
			p.buf = ""
			return frags, ErrToolLimit
		}
	}

	// Stream the trailing partial line out as text once it provably cannot
	// become a tool-start marker.
	if p.state == taggedIdle && p.buf != "" {
		if p.midline || !couldOpen(p.buf, taggedOpenMarker) {
			frags = append(frags, textFragment(p.buf))
			p.buf = ""
			p.midline = true
		}
	}

	return frags, nil
}

func (p *taggedParser) handleLine(line string) ([]Fragment, bool) {
	trimmed := strings.TrimRight(line, " \t\r")

	switch p.state {
	case taggedIdle:
		if m := taggedOpenRe.FindStringSubmatch(trimmed); m != nil {
			if p.req != nil {
				// Second tool start: termination signal, not an error.
				return nil, true
			}
			if !validToolName(m[1]) {
				p.recordErr(trimmed, "invalid tool name")
				return []Fragment{textFragment(line + "\n")}, false
			}
			p.state = taggedInTool
			p.toolName = m[1]
			p.params = newParamCollector()
			return []Fragment{toolNameFragment(m[1])}, false
		}
		return []Fragment{textFragment(line + "\n")}, false

	case taggedInTool:
		switch {
		case taggedCloseRe.MatchString(trimmed):
			p.req = &ToolRequest{Name: p.toolName, Input: p.params.input()}
			p.state = taggedIdle
			return []Fragment{toolEndFragment()}, false
		case taggedOpenRe.MatchString(trimmed):
			// New tool opened before the first one closed: discard the
			// unterminated block and stop.
			p.state = taggedIdle
			return nil, true
		default:
			if m := taggedParamLineRe.FindStringSubmatch(line); m != nil {
				p.params.add(m[1], m[2])
				return []Fragment{paramFragment(m[1], m[2])}, false
			}
			if m := taggedParamOpenRe.FindStringSubmatch(trimmed); m != nil {
				p.state = taggedParamBlock
				p.blockKey = m[1]
				p.blockLines = nil
				return []Fragment{paramFragment(m[1], "")}, false
			}
			p.recordErr(trimmed, "unexpected line inside tool block")
			p.state = taggedIdle
			p.toolName = ""
			return []Fragment{textFragment(line + "\n")}, false
		}

	case taggedParamBlock:
		if taggedParamCloseRe.MatchString(trimmed) {
			p.params.add(p.blockKey, strings.Join(p.blockLines, "\n"))
			p.state = taggedInTool
			return nil, false
		}
		p.blockLines = append(p.blockLines, line)
		return []Fragment{paramFragment(p.blockKey, line + "\n")}, false
	}

	return nil, false
}

// flush handles end-of-stream: a trailing partial line outside any tool block
// is plain text; an unterminated tool block is left for Finalize to discard.
func (p *taggedParser) flush() []Fragment {
	if p.state == taggedIdle && p.buf != "" {
		text := p.buf
		p.buf = ""
		p.midline = false
		return []Fragment{textFragment(text)}
	}
	p.buf = ""
	return nil
}

func (p *taggedParser) recordErr(line, reason string) {
	if p.err == nil {
		p.err = &ParseError{Syntax: SyntaxTagged, Line: line, Reason: reason}
	}
}

func (p *taggedParser) Finalize() ([]ToolRequest, error) {
	if p.req != nil {
		req := *p.req
		req.ID = uuid.NewString()
		return []ToolRequest{req}, nil
	}
	if p.err != nil {
		return nil, p.err
	}
	// An unterminated block (state != idle) is discarded entirely.
	return nil, nil
}

func (p *taggedParser) ExtractFromMessage(msg modelstream.Message) ([]Fragment, []ToolRequest, error) {
	return replayMessage(newTaggedParser(), msg)
}
