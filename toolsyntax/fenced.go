package toolsyntax

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/gyre-dev/gyre/modelstream"
)

// Fenced grammar:
//
//	```tool read_file
//	path: main.go
//	lines:
//	- 10
//	- 20
//	content: <<
//	verbatim multi-line value
//	>>
//	```
//
// `key: value` is a single-line parameter, `key:` opens a list of `- item`
// lines, and `key: <<` opens a verbatim block closed by `>>` on its own line.
// The closing fence is a bare ``` line. Repeated keys merge into an ordered
// list, so arrays may also be written as repeated scalar parameters.
const fencedOpenMarker = "```tool "

var fencedParamRe = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.-]*):(?: (.*))?$`)

type fencedState int

const (
	fencedIdle fencedState = iota
	fencedInTool
	fencedList
	fencedBlock
)

type fencedParser struct {
	buf     string
	midline bool
	state   fencedState

	toolName   string
	params     *paramCollector
	curKey     string
	blockLines []string

	req    *ToolRequest
	halted bool
	err    *ParseError
}

func newFencedParser() *fencedParser {
	return &fencedParser{}
}

func (p *fencedParser) ProcessChunk(chunk modelstream.StreamingChunk) ([]Fragment, error) {
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

func (p *fencedParser) feed(text string) ([]Fragment, error) {
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

	if p.state == fencedIdle && p.buf != "" {
		if p.midline || !couldOpen(p.buf, fencedOpenMarker) {
			frags = append(frags, textFragment(p.buf))
			p.buf = ""
			p.midline = true
		}
	}

	return frags, nil
}

func (p *fencedParser) handleLine(line string) ([]Fragment, bool) {
	trimmed := strings.TrimRight(line, " \t\r")

	switch p.state {
	case fencedIdle:
		if strings.HasPrefix(trimmed, "```tool") {
			name := strings.TrimSpace(strings.TrimPrefix(trimmed, "```tool"))
			if p.req != nil {
				return nil, true
			}
			if !validToolName(name) {
				p.recordErr(trimmed, "invalid tool name")
				return []Fragment{textFragment(line + "\n")}, false
			}
			p.state = fencedInTool
			p.toolName = name
			p.params = newParamCollector()
			return []Fragment{toolNameFragment(name)}, false
		}
		return []Fragment{textFragment(line + "\n")}, false

	case fencedInTool:
		return p.handleToolLine(line, trimmed)

	case fencedList:
		if strings.HasPrefix(line, "- ") {
			item := line[2:]
			p.params.add(p.curKey, item)
			return []Fragment{paramFragment(p.curKey, item)}, false
		}
		if trimmed == "-" {
			p.params.add(p.curKey, "")
			return []Fragment{paramFragment(p.curKey, "")}, false
		}
		// List ended; the line belongs to the enclosing tool grammar.
		p.state = fencedInTool
		return p.handleToolLine(line, trimmed)

	case fencedBlock:
		if trimmed == ">>" {
			p.params.add(p.curKey, strings.Join(p.blockLines, "\n"))
			p.state = fencedInTool
			return nil, false
		}
		p.blockLines = append(p.blockLines, line)
		return []Fragment{paramFragment(p.curKey, line + "\n")}, false
	}

	return nil, false
}

func (p *fencedParser) handleToolLine(line, trimmed string) ([]Fragment, bool) {
	if trimmed == "```" {
		p.req = &ToolRequest{Name: p.toolName, Input: p.params.input()}
		p.state = fencedIdle
		return []Fragment{toolEndFragment()}, false
	}
	if strings.HasPrefix(trimmed, "```tool") {
		p.state = fencedIdle
		return nil, true
	}
	if m := fencedParamRe.FindStringSubmatch(line); m != nil {
		key, value := m[1], m[2]
		switch value {
		case "<<":
			p.state = fencedBlock
			p.curKey = key
			p.blockLines = nil
			return []Fragment{paramFragment(key, "")}, false
		case "":
			if strings.TrimRight(line, " \t\r") == key+":" {
				p.state = fencedList
				p.curKey = key
				return []Fragment{paramFragment(key, "")}, false
			}
			p.params.add(key, "")
			return []Fragment{paramFragment(key, "")}, false
		default:
			p.params.add(key, value)
			return []Fragment{paramFragment(key, value)}, false
		}
	}
	p.recordErr(trimmed, "unexpected line inside tool block")
	p.state = fencedIdle
	p.toolName = ""
	return []Fragment{textFragment(line + "\n")}, false
}

func (p *fencedParser) flush() []Fragment {
	if p.state == fencedIdle && p.buf != "" {
		text := p.buf
		p.buf = ""
		p.midline = false
		return []Fragment{textFragment(text)}
	}
	p.buf = ""
	return nil
}

func (p *fencedParser) recordErr(line, reason string) {
	if p.err == nil {
		p.err = &ParseError{Syntax: SyntaxFenced, Line: line, Reason: reason}
	}
}

func (p *fencedParser) Finalize() ([]ToolRequest, error) {
	if p.req != nil {
		req := *p.req
		req.ID = uuid.NewString()
		return []ToolRequest{req}, nil
	}
	if p.err != nil {
		return nil, p.err
	}
	return nil, nil
}

func (p *fencedParser) ExtractFromMessage(msg modelstream.Message) ([]Fragment, []ToolRequest, error) {
	return replayMessage(newFencedParser(), msg)
}
