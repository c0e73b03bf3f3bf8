// Package composer assembles generation prompts from persona text,
// retrieved knowledge, retrieved history, and the live conversation.
package composer

import (
	"strings"

	"github.com/yumeko-ai/yumeko/internal/history"
	"github.com/yumeko-ai/yumeko/internal/retrieval"
)

// Input carries everything a prompt is assembled from. Conversation is
// the literal ordered live exchange: system first (if any), prior
// turns, the newest user turn last.
type Input struct {
	Persona       string
	Worldview     string
	KnowledgeHits []retrieval.Hit
	HistoryHits   []retrieval.Hit
	Conversation  []history.Turn
}

const hitDelimiter = "\n---\n"

// Assemble produces one instruction block for the generation call. It
// is pure: the same input always yields the same prompt.
func Assemble(in Input) string {
	var sb strings.Builder

	sb.WriteString("You are a roleplay master. You chat with the user on a messaging app, " +
		"strictly in the character defined below. Reply with speech only — no stage " +
		"directions, no narration, no parentheses. Keep each reply to one or two " +
		"sentences, first person, natural and close to everyday chat. You and the " +
		"user are in different places, talking over the network.\n\n")

	sb.WriteString("[Worldview]\n")
	if in.Worldview == "" {
		sb.WriteString("No special worldview.")
	} else {
		sb.WriteString(strings.TrimSpace(in.Worldview))
	}
	sb.WriteString("\n\n[Persona]\n")
	sb.WriteString(strings.TrimSpace(in.Persona))

	sb.WriteString("\n\n[Relevant Knowledge]\n")
	if len(in.KnowledgeHits) == 0 {
		sb.WriteString("no relevant knowledge")
	} else {
		sb.WriteString("Reference the entries below where they fit; ignore them where they do not. Do not invent facts.\n")
		sb.WriteString(joinHits(in.KnowledgeHits))
	}

	sb.WriteString("\n\n[Related Past Conversation]\n")
	if len(in.HistoryHits) == 0 {
		sb.WriteString("no related past conversation")
	} else {
		sb.WriteString("Earlier exchanges that may be relevant:\n")
		sb.WriteString(joinHits(in.HistoryHits))
	}

	sb.WriteString("\n\n[Conversation]\n")
	for _, t := range in.Conversation {
		sb.WriteString(renderTurn(t))
		sb.WriteString("\n")
	}

	return sb.String()
}

func joinHits(hits []retrieval.Hit) string {
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
	}
	return strings.Join(texts, hitDelimiter)
}

func renderTurn(t history.Turn) string {
	if t.Timestamp == "" {
		return t.Role + ": " + t.Content
	}
	return t.Role + " [" + t.Timestamp + "]: " + t.Content
}
