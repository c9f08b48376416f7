package covermark

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/jward/covermark/internal/rewrite"
	"github.com/jward/covermark/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const exclusion = "[System.Diagnostics.CodeAnalysis.ExcludeFromCodeCoverage]"

const fixtureSln = `
Microsoft Visual Studio Solution File, Format Version 12.00
Project("{9A19103F-16F7-4668-BE54-9A1E7A4F7556}") = "Shop", "src\Shop\Shop.csproj", "{22222222-2222-2222-2222-222222222222}"
EndProject
Project("{9A19103F-16F7-4668-BE54-9A1E7A4F7556}") = "Shop.Quality", "tests\Shop.Quality\Shop.Quality.csproj", "{33333333-3333-3333-3333-333333333333}"
EndProject
Global
EndGlobal
`

const sdkProject = `<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup>
    <TargetFramework>net8.0</TargetFramework>
  </PropertyGroup>
</Project>
`

const cartHelpers = `namespace Shop
{
    [TestClass]
    public class CartHelpers
    {
    }
}
`

const cartTests = `// Cart behaviour tests.
using Microsoft.VisualStudio.TestTools.UnitTesting;

namespace Shop.Quality
{
    /// <summary>Cart tests.</summary>
    [TestClass]
    public class CartTests
    {
    }
}
`

const cartTestsMarked = `// Cart behaviour tests.
using Microsoft.VisualStudio.TestTools.UnitTesting;

namespace Shop.Quality
{
    /// <summary>Cart tests.</summary>
    [TestClass]
    ` + exclusion + `
    public class CartTests
    {
    }
}
`

const gridConfig = `namespace Shop.Quality
{
    // Grid setup for orders.
    public class OrdersGrid : DefaultDataGridConfigurationBase<Order>
    {
    }
}
`

const gridConfigMarked = `namespace Shop.Quality
{
    // Grid setup for orders.
    ` + exclusion + `
    public class OrdersGrid : DefaultDataGridConfigurationBase<Order>
    {
    }
}
`

const doneTests = `namespace Shop.Quality
{
    [TestClass, excludefromcodecoverage]
    public class Done
    {
    }
}
`

const plainHelper = `namespace Shop.Quality
{
    public class Helper : ViewModelBase
    {
    }
}
`

// writeFixture writes a two-project solution and returns its path.
func writeFixture(t *testing.T, extra map[string]string) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"Shop.sln":                               fixtureSln,
		"src/Shop/Shop.csproj":                   sdkProject,
		"src/Shop/CartHelpers.cs":                cartHelpers,
		"tests/Shop.Quality/Shop.Quality.csproj": sdkProject,
		"tests/Shop.Quality/CartTests.cs":        cartTests,
		"tests/Shop.Quality/Done.cs":             doneTests,
		"tests/Shop.Quality/GridConfig.cs":       gridConfig,
		"tests/Shop.Quality/Plain.cs":            plainHelper,
	}
	for rel, content := range extra {
		files[rel] = content
	}
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return filepath.Join(root, "Shop.sln")
}

func readRel(t *testing.T, sln, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(filepath.Dir(sln), filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func assertText(t *testing.T, want, got string) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(opts...)
	require.NoError(t, err)
	return e
}

func projectReport(t *testing.T, r *Report, name string) ProjectReport {
	t.Helper()
	for _, p := range r.Projects {
		if p.Name == name {
			return p
		}
	}
	t.Fatalf("project %s not in report", name)
	return ProjectReport{}
}

// =============================================================================
// New
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	assert.Equal(t, rewrite.DefaultRules(), e.Rules())
	assert.Equal(t, "Quality", e.projectFilter)
	assert.False(t, e.ledgerOn)
}

func TestNew_RejectsNonIdempotentRules(t *testing.T) {
	t.Parallel()
	rules := rewrite.DefaultRules()
	rules.Attribute = "Obsolete"
	_, err := New(WithRules(rules))
	require.Error(t, err)
}

func TestNew_RejectsEmptyPredicateKey(t *testing.T) {
	t.Parallel()
	pred := func(context.Context, rewrite.Class, []byte) (string, bool, error) { return "", false, nil }
	_, err := New(WithPredicate(" ", pred))
	require.Error(t, err)
}

func TestNew_MissingScript(t *testing.T) {
	t.Parallel()
	_, err := New(WithScripts(filepath.Join(t.TempDir(), "nope.risor")))
	require.Error(t, err)

	_, err = New(WithScripts("builtin:nope"))
	require.Error(t, err)
}

// =============================================================================
// Run
// =============================================================================

func TestRun_MarksMatchingProjectOnly(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	core, logs := observer.New(zap.InfoLevel)
	e := newTestEngine(t, WithLogger(zap.New(core)))

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err)

	assertText(t, cartTestsMarked, readRel(t, sln, "tests/Shop.Quality/CartTests.cs"))
	assertText(t, gridConfigMarked, readRel(t, sln, "tests/Shop.Quality/GridConfig.cs"))
	assertText(t, doneTests, readRel(t, sln, "tests/Shop.Quality/Done.cs"))
	assertText(t, plainHelper, readRel(t, sln, "tests/Shop.Quality/Plain.cs"))
	assertText(t, cartHelpers, readRel(t, sln, "src/Shop/CartHelpers.cs"))

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, sln, report.Solution)

	shop := projectReport(t, report, "Shop")
	assert.True(t, shop.Skipped)
	assert.Zero(t, shop.Documents)

	quality := projectReport(t, report, "Shop.Quality")
	assert.False(t, quality.Skipped)
	assert.Equal(t, 4, quality.Documents)
	assert.Equal(t, 2, quality.Changed)
	assert.Equal(t, 2, quality.Written)
	assert.Zero(t, quality.Failed)

	require.Len(t, report.Marks, 2)
	assert.Equal(t, "CartTests", report.Marks[0].Class)
	assert.Equal(t, 7, report.Marks[0].Line)
	assert.Equal(t, "test-marker:TestClass", report.Marks[0].Reason)
	assert.Equal(t, "Shop.Quality", report.Marks[0].Project)
	assert.Equal(t, "OrdersGrid", report.Marks[1].Class)
	assert.Equal(t, "base-type:DefaultDataGridConfigurationBase", report.Marks[1].Reason)

	assert.Equal(t, 1, logs.FilterMessage("project skipped").Len())
	assert.Equal(t, 1, logs.FilterMessage("applied changes").Len())
	assert.Zero(t, logs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestRun_SecondRunChangesNothing(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	e := newTestEngine(t)

	_, err := e.Run(context.Background(), sln)
	require.NoError(t, err)
	first := readRel(t, sln, "tests/Shop.Quality/CartTests.cs")

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err)
	assert.Zero(t, report.ChangedDocuments())
	assert.Empty(t, report.Marks)
	assert.Equal(t, first, readRel(t, sln, "tests/Shop.Quality/CartTests.cs"))
	assert.Equal(t, 1, strings.Count(first, "ExcludeFromCodeCoverage"))
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	e := newTestEngine(t, WithDryRun(true))

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Len(t, report.Marks, 2)

	quality := projectReport(t, report, "Shop.Quality")
	assert.Equal(t, 2, quality.Changed)
	assert.Zero(t, quality.Written)

	assertText(t, cartTests, readRel(t, sln, "tests/Shop.Quality/CartTests.cs"))
	assertText(t, gridConfig, readRel(t, sln, "tests/Shop.Quality/GridConfig.cs"))
}

func TestRun_EmptyFilterSelectsEveryProject(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	e := newTestEngine(t, WithProjectFilter(""))

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err)
	assert.False(t, projectReport(t, report, "Shop").Skipped)
	assert.Len(t, report.Marks, 3)
	assert.Contains(t, readRel(t, sln, "src/Shop/CartHelpers.cs"), exclusion)
}

func TestRun_ProjectFilterIsCaseSensitive(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	e := newTestEngine(t, WithProjectFilter("quality"))

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err)
	assert.True(t, projectReport(t, report, "Shop.Quality").Skipped)
	assert.Empty(t, report.Marks)
}

func TestRun_CustomRules(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	rules := rewrite.DefaultRules()
	rules.BaseTypePrefixes = []string{"ViewModel"}
	e := newTestEngine(t, WithRules(rules), WithDryRun(true))

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err)
	require.Len(t, report.Marks, 2)
	assert.Equal(t, "CartTests", report.Marks[0].Class)
	assert.Equal(t, "Helper", report.Marks[1].Class)
	assert.Equal(t, "base-type:ViewModel", report.Marks[1].Reason)
}

func TestRun_GoPredicate(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	pred := func(_ context.Context, c rewrite.Class, _ []byte) (string, bool, error) {
		return "named-helper", c.Name == "Helper", nil
	}
	e := newTestEngine(t, WithPredicate("named-helper", pred), WithDryRun(true))

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err)
	require.Len(t, report.Marks, 3)
	assert.Equal(t, "Helper", report.Marks[2].Class)
	assert.Equal(t, "named-helper", report.Marks[2].Reason)
}

func TestRun_BuiltinScript(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, map[string]string{
		"tests/Shop.Quality/OrderFixture.cs": `namespace Shop.Quality
{
    [TestFixture]
    public class OrderFixture
    {
    }
}
`,
	})
	e := newTestEngine(t, WithScripts("builtin:nunit"))

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err)

	var reasons []string
	for _, m := range report.Marks {
		if m.Class == "OrderFixture" {
			reasons = append(reasons, m.Reason)
		}
	}
	assert.Equal(t, []string{"script:builtin:nunit"}, reasons)
	assert.Contains(t, readRel(t, sln, "tests/Shop.Quality/OrderFixture.cs"), "[TestFixture]\n    "+exclusion)
}

func TestRun_ScriptErrorSkipsDocument(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	script := filepath.Join(t.TempDir(), "broken.risor")
	require.NoError(t, os.WriteFile(script, []byte(`undefined_function()`), 0o644))

	core, logs := observer.New(zap.InfoLevel)
	e := newTestEngine(t, WithScripts(script), WithLogger(zap.New(core)))

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err)

	// Plain.cs is the only document whose class reaches the script.
	quality := projectReport(t, report, "Shop.Quality")
	assert.Equal(t, 1, quality.Failed)
	assert.Equal(t, 2, quality.Changed)
	assert.Equal(t, 1, logs.FilterMessage("failed to rewrite document").Len())
	assertText(t, plainHelper, readRel(t, sln, "tests/Shop.Quality/Plain.cs"))
}

func TestRun_SyntaxErrorsAreWarnings(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, map[string]string{
		"tests/Shop.Quality/Broken.cs": "public class Broken { void M( }\n",
	})
	core, logs := observer.New(zap.InfoLevel)
	e := newTestEngine(t, WithLogger(zap.New(core)), WithDryRun(true))

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("document has syntax errors").Len())
	assert.Zero(t, projectReport(t, report, "Shop.Quality").Failed)
	assert.Len(t, report.Marks, 2)
}

func TestRun_WorkspaceDiagnosticsAreLogged(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, map[string]string{
		"Shop.sln": fixtureSln + `Project("{9A19103F-16F7-4668-BE54-9A1E7A4F7556}") = "Gone.Quality", "gone\Gone.Quality.csproj", "{55555555-5555-5555-5555-555555555555}"
EndProject
Project("{F184B08F-C81C-45F6-A57F-5ABD9991F28F}") = "Legacy.Vb", "src\Legacy.Vb\Legacy.Vb.vbproj", "{44444444-4444-4444-4444-444444444444}"
EndProject
`,
	})
	core, logs := observer.New(zap.InfoLevel)
	e := newTestEngine(t, WithLogger(zap.New(core)))

	report, err := e.Run(context.Background(), sln)
	require.NoError(t, err, "diagnostics are never fatal")
	assert.Len(t, report.Diagnostics, 2)
	assert.Equal(t, 1, logs.FilterMessage("workspace warning").Len())
	assert.Equal(t, 1, logs.FilterMessage("workspace failure").Len())
	assert.Len(t, report.Marks, 2)
}

func TestRun_UnsupportedSolution(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "Shop.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := newTestEngine(t).Run(context.Background(), path)
	require.Error(t, err)
}

func TestRun_Cancelled(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestEngine(t).Run(ctx, sln)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assertText(t, cartTests, readRel(t, sln, "tests/Shop.Quality/CartTests.cs"))
}

func TestRun_CancelledMidRun(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Plain.cs is the first document whose class reaches the predicate, so
	// the cancel lands after CartTests.cs and GridConfig.cs were rewritten.
	pred := func(_ context.Context, _ rewrite.Class, _ []byte) (string, bool, error) {
		cancel()
		return "", false, nil
	}
	e := newTestEngine(t, WithPredicate("cancel", pred), WithLedger(""))

	report, err := e.Run(ctx, sln)
	require.ErrorIs(t, err, context.Canceled)
	assertText(t, cartTests, readRel(t, sln, "tests/Shop.Quality/CartTests.cs"))
	assertText(t, gridConfig, readRel(t, sln, "tests/Shop.Quality/GridConfig.cs"))

	s, err := store.NewStore(DefaultLedgerPath(sln))
	require.NoError(t, err)
	defer s.Close()
	run, err := s.RunByID(report.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, store.StatusCancelled, run.Status)
}

func TestRun_ApplyFailureEndsRun(t *testing.T) {
	t.Parallel()
	sln := writeFixture(t, nil)
	projDir := filepath.Join(filepath.Dir(sln), "tests", "Shop.Quality")
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	// Plain.cs is read last; removing the project directory while it is
	// rewritten leaves CartTests.cs and GridConfig.cs with nowhere to go.
	pred := func(_ context.Context, _ rewrite.Class, _ []byte) (string, bool, error) {
		if err := os.RemoveAll(projDir); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	core, logs := observer.New(zap.InfoLevel)
	e := newTestEngine(t, WithPredicate("remove-project", pred), WithLedger(dbPath), WithLogger(zap.New(core)))

	report, err := e.Run(context.Background(), sln)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "covermark: project Shop.Quality")

	failed := logs.FilterMessage("failed to apply changes").All()
	require.Len(t, failed, 1)
	assert.Equal(t, zap.ErrorLevel, failed[0].Level)
	assert.Zero(t, logs.FilterMessage("applied changes").Len())
	assert.Zero(t, logs.FilterMessage("run finished").Len())

	discarded := logs.FilterMessage("discarding unapplied changes").All()
	require.Len(t, discarded, 1)
	assert.Len(t, discarded[0].ContextMap()["paths"], 2)

	quality := projectReport(t, report, "Shop.Quality")
	assert.Equal(t, 2, quality.Changed)
	assert.Zero(t, quality.Written)

	s := openLedgerStore(t, dbPath)
	run, err := s.RunByID(report.RunID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, store.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "covermark: project Shop.Quality")
}
