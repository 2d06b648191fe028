package registry

import "github.com/adaptiv/gh-broker/pkg/constants"

// sideEffectTable is the single source of truth for what each tool touches.
// Tool registration looks its class up here; a tool missing from the table
// defaults to RemoteMutation so a forgotten entry fails safe behind the gate.
var sideEffectTable = map[string]constants.SideEffect{
	// Introspection and catalog surfaces.
	"list_tools":              constants.ReadOnly,
	"list_all_actions":        constants.ReadOnly,
	"describe_tool":           constants.ReadOnly,
	"validate_tool_args":      constants.ReadOnly,
	"authorize_write_actions": constants.ReadOnly,

	// GitHub read surfaces.
	"get_file_contents":  constants.ReadOnly,
	"get_file_excerpt":   constants.ReadOnly,
	"search_code":        constants.ReadOnly,
	"search_issues":      constants.ReadOnly,
	"graphql_query":      constants.ReadOnly,
	"get_pull_request":   constants.ReadOnly,
	"list_pull_requests": constants.ReadOnly,

	// GitHub write surfaces.
	"apply_patch_and_commit": constants.RemoteMutation,
	"create_or_update_file":  constants.RemoteMutation,
	"create_pull_request":    constants.RemoteMutation,
	"create_issue_comment":   constants.RemoteMutation,

	// Workspace surfaces. Everything that can change bytes on disk is
	// LOCAL_MUTATION, including run_tests (it bootstraps a virtualenv).
	"workspace_clone":            constants.LocalMutation,
	"workspace_refresh_all":      constants.LocalMutation,
	"workspace_create_branch":    constants.LocalMutation,
	"workspace_self_heal_branch": constants.LocalMutation,
	"workspace_apply_patch":      constants.LocalMutation,
	"apply_workspace_operations": constants.LocalMutation,
	"workspace_run_command":      constants.LocalMutation,
	"run_tests":                  constants.LocalMutation,
	"workspace_prepare_venv":     constants.LocalMutation,
	"workspace_stop_venv":        constants.LocalMutation,
	"workspace_venv_status":      constants.ReadOnly,
	"workspace_read_file":        constants.ReadOnly,
	"workspace_search":           constants.ReadOnly,
	"workspace_list":             constants.ReadOnly,
	"workspace_remove":           constants.LocalMutation,
	"workspace_diagnose":         constants.ReadOnly,
}

// SideEffectFor returns the table's class for a tool name. Unknown names are
// treated as remote mutations.
func SideEffectFor(name string) constants.SideEffect {
	if class, ok := sideEffectTable[name]; ok {
		return class
	}
	return constants.RemoteMutation
}

// KnownSideEffect reports whether the table has an explicit entry.
func KnownSideEffect(name string) bool {
	_, ok := sideEffectTable[name]
	return ok
}
