package impact

import (
	"strings"
	"testing"
)

// --- Operation Classification ---

func TestAnalyze_OperationTypes(t *testing.T) {
	a := NewDefault()

	tests := []struct {
		name string
		tool string
		want OperationType
	}{
		{"plain read", "read_file", OpRead},
		{"list is read", "list_directory", OpRead},
		{"write", "write_file", OpWrite},
		{"edit is write", "edit_document", OpWrite},
		{"delete", "delete_file", OpDelete},
		{"remove is delete", "remove_entry", OpDelete},
		{"execute", "run_command", OpExecute},
		{"shell is execute", "shell", OpExecute},
		{"network", "fetch_page", OpNetwork},
		{"search is network", "search_docs", OpNetwork},
		{"delete outranks network", "delete_remote_url", OpDelete},
		{"execute outranks write", "run_update_script", OpExecute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			an := a.Analyze(tt.tool, "{}", nil)
			if an.OperationType != tt.want {
				t.Errorf("Analyze(%q).OperationType = %q, want %q", tt.tool, an.OperationType, tt.want)
			}
		})
	}
}

func TestAnalyze_SchemaDescriptionInfluencesClassification(t *testing.T) {
	a := NewDefault()

	// A neutral tool name classifies as read by default.
	an := a.Analyze("filetool", "{}", nil)
	if an.OperationType != OpRead {
		t.Fatalf("bare name: got %q, want read", an.OperationType)
	}

	// The same name with a destructive schema description does not.
	schema := map[string]any{"description": "permanently erase the target"}
	an = a.Analyze("filetool", "{}", schema)
	if an.OperationType != OpDelete {
		t.Errorf("with schema description: got %q, want delete", an.OperationType)
	}
}

// --- Derived Attributes ---

func TestAnalyze_ReadIsHarmless(t *testing.T) {
	an := NewDefault().Analyze("read_file", `{"path": "/tmp/notes.txt"}`, nil)
	if !an.Reversible {
		t.Error("read should be reversible")
	}
	if an.DataLossRisk != DataLossNone {
		t.Errorf("data loss = %q, want none", an.DataLossRisk)
	}
	if an.SystemImpact != ImpactNone {
		t.Errorf("system impact = %q, want none", an.SystemImpact)
	}
}

func TestAnalyze_DeleteIsIrreversible(t *testing.T) {
	an := NewDefault().Analyze("delete_file", `{"path": "/home/u/a.txt"}`, nil)
	if an.Reversible {
		t.Error("delete should be irreversible")
	}
	if an.DataLossRisk != DataLossHigh {
		t.Errorf("data loss = %q, want high", an.DataLossRisk)
	}
	if an.SystemImpact != ImpactLocal {
		t.Errorf("system impact = %q, want local", an.SystemImpact)
	}
}

func TestAnalyze_SystemPathEscalatesImpact(t *testing.T) {
	a := NewDefault()

	an := a.Analyze("write_file", `{"path": "/etc/hosts"}`, nil)
	if an.SystemImpact != ImpactGlobal {
		t.Errorf("system impact = %q, want global", an.SystemImpact)
	}
	if an.DataLossRisk != DataLossHigh {
		t.Errorf("data loss = %q, want high for system write", an.DataLossRisk)
	}

	// Windows prefixes match case-insensitively in either separator style.
	an = a.Analyze("delete_file", `{"path": "C:\\Windows\\System32\\drivers"}`, nil)
	if an.SystemImpact != ImpactGlobal {
		t.Errorf("windows system path: impact = %q, want global", an.SystemImpact)
	}
}

func TestAnalyze_ChangeScopeNeverZero(t *testing.T) {
	a := NewDefault()

	an := a.Analyze("run_command", `{"command": "ls"}`, nil)
	if an.EstimatedChangeScope != 1 {
		t.Errorf("scope with no paths = %d, want 1", an.EstimatedChangeScope)
	}

	an = a.Analyze("write_file", `{"paths": ["/a/1", "/a/2", "/a/3"]}`, nil)
	if an.EstimatedChangeScope != 3 {
		t.Errorf("scope = %d, want 3", an.EstimatedChangeScope)
	}
}

// --- Path Extraction ---

func TestAnalyze_ExtractsConventionalParams(t *testing.T) {
	an := NewDefault().Analyze("write_file", `{"path": "/tmp/out.txt", "content": "hello world"}`, nil)
	if len(an.FilesAffected) != 1 || an.FilesAffected[0] != "/tmp/out.txt" {
		t.Errorf("files = %v, want [/tmp/out.txt]", an.FilesAffected)
	}
}

func TestAnalyze_ExtractsPathArrays(t *testing.T) {
	an := NewDefault().Analyze("write_file", `{"files": ["/a.txt", "/b.txt"], "target": "/c.txt"}`, nil)
	if len(an.FilesAffected) != 3 {
		t.Fatalf("files = %v, want 3 paths", an.FilesAffected)
	}
}

func TestAnalyze_ExtractsPathShapedValues(t *testing.T) {
	// "workdir" is not a conventional param name, but its value is
	// path-shaped and must still be picked up.
	an := NewDefault().Analyze("write_file", `{"workdir": "/srv/app", "mode": "fast"}`, nil)
	if len(an.FilesAffected) != 1 || an.FilesAffected[0] != "/srv/app" {
		t.Errorf("files = %v, want [/srv/app]", an.FilesAffected)
	}
}

func TestAnalyze_DeduplicatesPaths(t *testing.T) {
	an := NewDefault().Analyze("write_file", `{"path": "/tmp/x", "target": "/tmp/x"}`, nil)
	if len(an.FilesAffected) != 1 {
		t.Errorf("files = %v, want single deduplicated path", an.FilesAffected)
	}
}

func TestAnalyze_NormalizesBackslashes(t *testing.T) {
	an := NewDefault().Analyze("write_file", `{"path": "C:\\Users\\bob\\doc.txt"}`, nil)
	if len(an.FilesAffected) != 1 || an.FilesAffected[0] != "C:/Users/bob/doc.txt" {
		t.Errorf("files = %v, want [C:/Users/bob/doc.txt]", an.FilesAffected)
	}
}

func TestAnalyze_MalformedInputDegradesToTokenScan(t *testing.T) {
	// Not valid JSON; the analyzer must still classify and pick up
	// path-shaped tokens instead of failing.
	an := NewDefault().Analyze("delete_file", `wipe /etc/passwd right now`, nil)
	if an.OperationType != OpDelete {
		t.Errorf("operation = %q, want delete", an.OperationType)
	}
	if len(an.FilesAffected) != 1 || an.FilesAffected[0] != "/etc/passwd" {
		t.Fatalf("files = %v, want [/etc/passwd]", an.FilesAffected)
	}
	if an.SystemImpact != ImpactGlobal {
		t.Errorf("system impact = %q, want global", an.SystemImpact)
	}
}

func TestLooksLikePath(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"/etc/passwd", true},
		{"relative/dir/file.go", true},
		{`C:\Windows`, true},
		{"c:/temp", true},
		{"plainword", false},
		{"has space/inside", false},
		{"https://example.com/x", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := looksLikePath(tt.in); got != tt.want {
			t.Errorf("looksLikePath(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// --- Risk Level and Approval ---

func TestBuildConfirmation_HighRiskOperations(t *testing.T) {
	a := NewDefault()
	for _, tool := range []string{"delete_file", "run_command"} {
		an := a.Analyze(tool, `{"path": "/tmp/x"}`, nil)
		conf := a.BuildConfirmation(tool, "", an)
		if conf.RiskLevel != RiskHigh {
			t.Errorf("%s: risk = %s, want high", tool, conf.RiskLevel)
		}
		if !conf.RequiresApproval {
			t.Errorf("%s: high risk must require approval", tool)
		}
	}
}

func TestBuildConfirmation_ReversibleWriteSkipsApproval(t *testing.T) {
	a := NewDefault()
	an := a.Analyze("write_file", `{"path": "/home/u/notes.md"}`, nil)
	conf := a.BuildConfirmation("write_file", "", an)
	if conf.RiskLevel != RiskMedium {
		t.Fatalf("risk = %s, want medium", conf.RiskLevel)
	}
	if conf.RequiresApproval {
		t.Error("reversible medium-risk write should not require approval")
	}
}

func TestBuildConfirmation_LowRiskRead(t *testing.T) {
	a := NewDefault()
	an := a.Analyze("read_file", `{"path": "/home/u/notes.md"}`, nil)
	conf := a.BuildConfirmation("read_file", "", an)
	if conf.RiskLevel != RiskLow {
		t.Errorf("risk = %s, want low", conf.RiskLevel)
	}
	if conf.RequiresApproval {
		t.Error("low-risk read should not require approval")
	}
}

func TestBuildConfirmation_FileCountThresholds(t *testing.T) {
	a := NewDefault()

	manyPaths := func(n int) []string {
		paths := make([]string, n)
		for i := range paths {
			paths[i] = "/data/part-" + strings.Repeat("x", i+1)
		}
		return paths
	}

	// Above the approval threshold (5), even a reversible read needs sign-off.
	an := Analysis{
		FilesAffected: manyPaths(6),
		OperationType: OpRead,
		Reversible:    true,
		DataLossRisk:  DataLossNone,
		SystemImpact:  ImpactNone,
	}
	conf := a.BuildConfirmation("read_file", "", an)
	if !conf.RequiresApproval {
		t.Error("6 affected files should force approval")
	}
	if conf.RiskLevel != RiskLow {
		t.Errorf("risk = %s, want low (count forces approval, not risk)", conf.RiskLevel)
	}

	// Above the medium threshold (10), risk escalates too.
	an.FilesAffected = manyPaths(11)
	conf = a.BuildConfirmation("read_file", "", an)
	if conf.RiskLevel != RiskMedium {
		t.Errorf("risk = %s, want medium at 11 files", conf.RiskLevel)
	}
}

// --- Static Tool Profile ---

func TestAssessToolRisk(t *testing.T) {
	a := NewDefault()
	tests := []struct {
		name string
		desc string
		want RiskLevel
	}{
		{"delete_file", "", RiskHigh},
		{"run_command", "", RiskHigh},
		{"write_file", "", RiskMedium},
		{"read_file", "", RiskLow},
		{"fetch_page", "", RiskLow},
		{"viewer", "removes old records", RiskHigh},
	}
	for _, tt := range tests {
		if got := a.AssessToolRisk(tt.name, tt.desc); got != tt.want {
			t.Errorf("AssessToolRisk(%q, %q) = %s, want %s", tt.name, tt.desc, got, tt.want)
		}
	}
}

func TestRequiredPermissions(t *testing.T) {
	a := NewDefault()

	perms := a.RequiredPermissions("read_file", "reads a file")
	if len(perms) != 1 || perms[0] != PermRead {
		t.Errorf("read perms = %v, want [read]", perms)
	}

	perms = a.RequiredPermissions("delete_file", "removes and rewrites files")
	has := func(p Permission) bool {
		for _, got := range perms {
			if got == p {
				return true
			}
		}
		return false
	}
	if !has(PermRead) || !has(PermDelete) || !has(PermWrite) {
		t.Errorf("perms = %v, want read+delete+write", perms)
	}
}

// --- Risk Level Parsing ---

func TestParseRiskLevel_UnknownDefaultsHigh(t *testing.T) {
	tests := []struct {
		in   string
		want RiskLevel
	}{
		{"low", RiskLow},
		{"medium", RiskMedium},
		{"high", RiskHigh},
		{"critical", RiskHigh},
		{"", RiskHigh},
	}
	for _, tt := range tests {
		if got := ParseRiskLevel(tt.in); got != tt.want {
			t.Errorf("ParseRiskLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestRiskLevelString(t *testing.T) {
	if RiskLow.String() != "low" || RiskMedium.String() != "medium" || RiskHigh.String() != "high" {
		t.Error("risk level string round-trip broken")
	}
	if RiskLevel(42).String() != "unknown" {
		t.Error("out-of-range risk should stringify as unknown")
	}
}
