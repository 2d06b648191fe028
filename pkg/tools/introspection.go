package tools

import (
	"context"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/registry"
)

type listToolsArgs struct {
	OnlyWrite  bool   `json:"only_write,omitempty"`
	OnlyRead   bool   `json:"only_read,omitempty"`
	NamePrefix string `json:"name_prefix,omitempty"`
}

type listActionsArgs struct {
	IncludeParameters bool `json:"include_parameters,omitempty"`
	Compact           bool `json:"compact,omitempty"`
}

type describeToolArgs struct {
	Name          string   `json:"name,omitempty"`
	Names         []string `json:"names,omitempty"`
	IncludeSchema bool     `json:"include_schema,omitempty"`
}

type validateArgsArgs struct {
	ToolName  string         `json:"tool_name,omitempty"`
	ToolNames []string       `json:"tool_names,omitempty"`
	Payload   map[string]any `json:"payload"`
}

type authorizeArgs struct {
	Approved bool `json:"approved"`
}

func registerIntrospectionTools(r *registry.Registry) {
	r.Register(&registry.Tool{
		Name:        "list_tools",
		Description: "List the tool catalog, optionally filtered by write class or name prefix.",
		Tags:        []string{"introspection"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("list_tools"),
		InputSchema: registry.SchemaFor[listToolsArgs](),
		Handler: func(_ context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[listToolsArgs](raw)
			if err != nil {
				return nil, err
			}
			tools := r.ListTools(registry.ListToolsFilter{
				OnlyWrite:  args.OnlyWrite,
				OnlyRead:   args.OnlyRead,
				NamePrefix: args.NamePrefix,
			})
			return map[string]any{"tools": tools}, nil
		},
	})

	r.Register(&registry.Tool{
		Name:        "list_all_actions",
		Description: "List every action with its side-effect class and approval requirement.",
		Tags:        []string{"introspection"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("list_all_actions"),
		InputSchema: registry.SchemaFor[listActionsArgs](),
		Handler: func(_ context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[listActionsArgs](raw)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"actions": r.ListAllActions(args.IncludeParameters, args.Compact),
			}, nil
		},
	})

	r.Register(&registry.Tool{
		Name:        "describe_tool",
		Description: "Describe one or more tools, including their input schemas.",
		Tags:        []string{"introspection"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("describe_tool"),
		InputSchema: registry.SchemaFor[describeToolArgs](),
		Handler: func(_ context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[describeToolArgs](raw)
			if err != nil {
				return nil, err
			}
			names := args.Names
			if args.Name != "" {
				names = append([]string{args.Name}, names...)
			}
			if len(names) == 0 {
				return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
					{Field: "name", Message: "name or names is required"},
				}}
			}
			if len(names) == 1 {
				return r.DescribeTool(names[0], args.IncludeSchema)
			}
			descriptions := make([]registry.ToolDescription, 0, len(names))
			for _, name := range names {
				desc, err := r.DescribeTool(name, args.IncludeSchema)
				if err != nil {
					return nil, err
				}
				descriptions = append(descriptions, desc)
			}
			return map[string]any{"tools": descriptions}, nil
		},
	})

	r.Register(&registry.Tool{
		Name:        "validate_tool_args",
		Description: "Check a payload against one or more tool schemas without invoking any handler.",
		Tags:        []string{"introspection"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("validate_tool_args"),
		InputSchema: registry.SchemaFor[validateArgsArgs](),
		Handler: func(_ context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[validateArgsArgs](raw)
			if err != nil {
				return nil, err
			}
			names := args.ToolNames
			if args.ToolName != "" {
				names = append([]string{args.ToolName}, names...)
			}
			reports, err := r.ValidateToolArgs(names, args.Payload)
			if err != nil {
				return nil, err
			}
			return map[string]any{"reports": reports}, nil
		},
	})

	r.Register(&registry.Tool{
		Name:        "authorize_write_actions",
		Description: "Approve or revoke write actions for this process.",
		Tags:        []string{"introspection"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("authorize_write_actions"),
		InputSchema: registry.SchemaFor[authorizeArgs](),
		Handler: func(_ context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[authorizeArgs](raw)
			if err != nil {
				return nil, err
			}
			r.Gate().Authorize(args.Approved)
			return map[string]any{
				"approved":      args.Approved,
				"auto_approved": r.Gate().AutoApproved(),
			}, nil
		},
	})
}
