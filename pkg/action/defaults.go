package action

import (
	"fmt"

	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// DefaultRegistry registers the built-in variants against env.
func DefaultRegistry(env Env) (*Registry, error) {
	r := NewRegistry()
	variants := []Variant{
		{
			Type: contracts.ActionSaveAttachment, Class: ClassCapture, Reversible: true,
			Factory: func(c contracts.ActionCandidate) (Action, error) {
				if env.Attachments == nil {
					return nil, fmt.Errorf("no attachment store configured")
				}
				return &SaveAttachment{base: base{cand: c}, store: env.Attachments}, nil
			},
		},
		{
			Type: contracts.ActionCreateTask, Class: ClassCapture, Reversible: true,
			Factory: taskFactory(env, "task"),
		},
		{
			Type: contracts.ActionCreateReminder, Class: ClassCapture, Reversible: true,
			Factory: taskFactory(env, "reminder"),
		},
		{
			Type: contracts.ActionUpdateNote, Class: ClassCapture, Reversible: true,
			Factory: func(c contracts.ActionCandidate) (Action, error) {
				if env.Notes == nil {
					return nil, fmt.Errorf("no note store configured")
				}
				return &UpdateNote{base: base{cand: c}, notes: env.Notes}, nil
			},
		},
		{
			Type: contracts.ActionFlag, Class: ClassMarking, Reversible: true,
			Factory: func(c contracts.ActionCandidate) (Action, error) {
				if env.Messages == nil {
					return nil, fmt.Errorf("no message store configured")
				}
				return &Flag{base: base{cand: c}, messages: env.Messages}, nil
			},
		},
		{
			Type: contracts.ActionArchive, Class: ClassDisposition, Reversible: true,
			Safer: contracts.ActionFlag,
			Factory: func(c contracts.ActionCandidate) (Action, error) {
				if env.Messages == nil {
					return nil, fmt.Errorf("no message store configured")
				}
				return &Relocate{base: base{cand: c}, messages: env.Messages, folder: ArchiveFolder}, nil
			},
		},
		{
			Type: contracts.ActionMove, Class: ClassDisposition, Reversible: true,
			Safer: contracts.ActionFlag,
			Factory: func(c contracts.ActionCandidate) (Action, error) {
				if env.Messages == nil {
					return nil, fmt.Errorf("no message store configured")
				}
				return &Relocate{base: base{cand: c}, messages: env.Messages, folder: c.Param("folder")}, nil
			},
		},
		{
			Type: contracts.ActionDelete, Class: ClassDisposition, Reversible: false,
			Safer: contracts.ActionFlag,
			Factory: func(c contracts.ActionCandidate) (Action, error) {
				if env.Messages == nil {
					return nil, fmt.Errorf("no message store configured")
				}
				return &Delete{base: base{cand: c}, messages: env.Messages}, nil
			},
		},
	}
	for _, v := range variants {
		if err := r.Register(v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func taskFactory(env Env, kind string) Factory {
	return func(c contracts.ActionCandidate) (Action, error) {
		if env.Tasks == nil {
			return nil, fmt.Errorf("no task store configured")
		}
		return &CreateTask{base: base{cand: c}, tasks: env.Tasks, attachments: env.Attachments, kind: kind}, nil
	}
}
