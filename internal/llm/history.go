package llm

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// ModelMessage replays a model turn back into history verbatim.
func ModelMessage(parts []Part) Message {
	return Message{Role: RoleModel, Parts: parts}
}

// Observation pairs a tool name with the output it produced.
type Observation struct {
	Name    string
	Content string
	IsError bool
}

// ObservationMessage packs tool observations into a function-role message,
// one functionResponse part per observation.
func ObservationMessage(obs []Observation) Message {
	parts := make([]Part, 0, len(obs))
	for _, o := range obs {
		parts = append(parts, Part{
			FunctionResponse: &FunctionResponse{
				Name: o.Name,
				Response: map[string]any{
					"content":  o.Content,
					"is_error": o.IsError,
				},
			},
		})
	}
	return Message{Role: RoleTool, Parts: parts}
}
