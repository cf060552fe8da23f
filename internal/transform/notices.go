package transform

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Notice templates are Liquid so that deployments can restyle the
// recipient-facing copy without a rebuild. Rendering is deterministic
// for a fixed binding, which the transformer's tests rely on.
const (
	contextPreludeTemplate = `This message was screened by your mail shield. Patterns associated with ` +
		`{{ patterns | join: ", " }} were detected, so a note has been added for context. ` +
		`The original message from {{ sender }} follows unchanged.`

	redactionNoticeTemplate = `This message was screened by your mail shield. Passages matching ` +
		`{{ patterns | join: ", " }} were redacted; the remainder of the message from ` +
		`{{ sender }} is unchanged.`

	summaryBodyTemplate = `Your mail shield withheld the body of this message because it contained ` +
		`{{ patterns | join: ", " }}.

Sender: {{ sender }}
Subject: {{ subject }}
Received: {{ received }}

{% if pattern_count == 1 %}One harmful pattern was{% else %}{{ pattern_count }} harmful patterns were{% endif %} detected. ` +
		`The original text was not retained. Reply to the sender directly if you need the full content.`

	blockNoticeTemplate = `Your mail shield blocked a message.

Sender: {{ sender }}
Subject: {{ subject }}

The message body was classified as severely harmful and was not delivered or retained.`
)

// noticeRenderer parses the notice templates once and renders them with
// per-message bindings.
type noticeRenderer struct {
	engine    *liquid.Engine
	templates map[string]*liquid.Template
}

var (
	renderer     *noticeRenderer
	rendererOnce sync.Once
)

func notices() *noticeRenderer {
	rendererOnce.Do(func() {
		engine := liquid.NewEngine()
		r := &noticeRenderer{engine: engine, templates: make(map[string]*liquid.Template)}
		for name, src := range map[string]string{
			"context": contextPreludeTemplate,
			"redact":  redactionNoticeTemplate,
			"summary": summaryBodyTemplate,
			"block":   blockNoticeTemplate,
		} {
			tpl, err := engine.ParseString(src)
			if err != nil {
				// Templates are compiled in; a parse failure is a build bug.
				panic(fmt.Sprintf("notice template %q: %v", name, err))
			}
			r.templates[name] = tpl
		}
		renderer = r
	})
	return renderer
}

func (r *noticeRenderer) render(name string, binding map[string]interface{}) string {
	tpl, ok := r.templates[name]
	if !ok {
		return ""
	}
	out, err := tpl.Render(binding)
	if err != nil {
		log.Printf("[Transformer] Notice render %q failed: %v", name, err)
		return ""
	}
	return strings.TrimSpace(string(out))
}
