package eval

import (
	"fmt"
	"sort"
	"strings"

	"github.com/23skdu/longbow-tuner/internal/convert"
)

const (
	bos = "<s>"
	eos = "</s>"
)

// ChatFormatter renders messages into a single prompt string.
type ChatFormatter func(messages []convert.Message, addBOS bool) (string, error)

var chatFormatters = map[string]ChatFormatter{
	"tulu":   tuluFormat,
	"llama2": llama2Format,
	"zephyr": zephyrFormat,
}

// Dotted names kept for existing eval configs.
var chatFormatterAliases = map[string]string{
	"eval.templates.create_prompt_with_tulu_chat_format":   "tulu",
	"eval.templates.create_prompt_with_llama2_chat_format": "llama2",
	"eval.templates.create_prompt_with_zephyr_chat_format": "zephyr",
}

// LookupChatFormatter resolves a formatter by name.
func LookupChatFormatter(name string) (ChatFormatter, error) {
	if alias, ok := chatFormatterAliases[name]; ok {
		name = alias
	}
	f, ok := chatFormatters[name]
	if !ok {
		names := make([]string, 0, len(chatFormatters))
		for n := range chatFormatters {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown chat formatting function %q (available: %s)", name, strings.Join(names, ", "))
	}
	return f, nil
}

func tuluFormat(messages []convert.Message, addBOS bool) (string, error) {
	var b strings.Builder
	if addBOS {
		b.WriteString(bos)
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			b.WriteString("<|system|>\n" + m.Content + "\n")
		case convert.RoleUser:
			b.WriteString("<|user|>\n" + m.Content + "\n")
		case convert.RoleAssistant:
			b.WriteString("<|assistant|>\n" + strings.TrimSpace(m.Content) + eos + "\n")
		default:
			return "", fmt.Errorf("tulu chat template only supports system, user and assistant roles, got %q", m.Role)
		}
	}
	b.WriteString("<|assistant|>\n")
	return b.String(), nil
}

func llama2Format(messages []convert.Message, addBOS bool) (string, error) {
	const (
		bSys  = "<<SYS>>\n"
		eSys  = "\n<</SYS>>\n\n"
		bInst = "[INST]"
		eInst = "[/INST]"
	)
	if len(messages) > 0 && messages[0].Role == "system" {
		if len(messages) < 2 || messages[1].Role != convert.RoleUser {
			return "", fmt.Errorf("llama2 chat template expects a user message after the system message")
		}
		merged := convert.Message{Role: convert.RoleUser, Content: bSys + messages[0].Content + eSys + messages[1].Content}
		messages = append([]convert.Message{merged}, messages[2:]...)
	}

	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case convert.RoleUser:
			b.WriteString(bos + bInst + " " + strings.TrimSpace(m.Content) + " " + eInst)
		case convert.RoleAssistant:
			b.WriteString(" " + m.Content + " " + eos)
		default:
			return "", fmt.Errorf("llama2 chat template only supports system, user and assistant roles, got %q", m.Role)
		}
	}
	out := b.String()
	if !addBOS {
		out = strings.TrimPrefix(out, bos)
	}
	return out, nil
}

func zephyrFormat(messages []convert.Message, _ bool) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system", convert.RoleUser, convert.RoleAssistant:
			b.WriteString("<|" + m.Role + "|>\n" + m.Content + eos + "\n")
		default:
			return "", fmt.Errorf("zephyr chat template only supports system, user and assistant roles, got %q", m.Role)
		}
	}
	b.WriteString("<|assistant|>\n")
	return b.String(), nil
}
