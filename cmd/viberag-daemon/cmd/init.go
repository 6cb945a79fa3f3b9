package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/viberag/viberag/configs"
	"github.com/viberag/viberag/internal/client"
	"github.com/viberag/viberag/internal/config"
	"github.com/viberag/viberag/internal/daemon"
	"github.com/viberag/viberag/internal/embed"
	"github.com/viberag/viberag/internal/lifecycle"
	"github.com/viberag/viberag/internal/output"
	"github.com/viberag/viberag/pkg/version"
)

func newInitCmd() *cobra.Command {
	var (
		force      bool
		offline    bool
		configOnly bool
		resume     bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize VibeRAG for a project",
		Long: `Initialize VibeRAG for the current project.

This command:
1. Generates a .viberag.json configuration template
2. Adds .viberag/ to .gitignore
3. Indexes the project with a detailed progress bar (unless --config-only)
4. Verifies embedder availability (Ollama or fallback)
5. Ensures the background daemon is running so the index is immediately
   queryable over its Unix socket

Use --resume to continue from a previous interrupted indexing operation.`,
		Example: `  # Initialize in current project
  viberag-daemon init

  # Force reinitialize (overwrite existing config)
  viberag-daemon init --force

  # Generate config only (skip indexing)
  viberag-daemon init --force --config-only

  # Use offline mode (static embeddings)
  viberag-daemon init --offline

  # Resume interrupted indexing
  viberag-daemon init --resume`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runInit(ctx, cmd, force, offline, configOnly, resume)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing configuration")
	cmd.Flags().BoolVar(&offline, "offline", false, "Use static embeddings (no Ollama required)")
	cmd.Flags().BoolVar(&configOnly, "config-only", false, "Generate config only, skip indexing")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume from previous checkpoint if available")

	return cmd
}

// Note: Project config template is now embedded at build time from
// configs/project-config.example.json via the configs.ProjectConfigTemplate
// variable, so it's visible/editable in the repo and available in binary
// distributions (Homebrew, etc.).

const viberagGuideStartMarker = "<!-- viberag:start -->"

const viberagGuideContent = `<!-- viberag:start -->
## VibeRAG Search (Use by Default)

**VibeRAG answers "WHAT implements this?"** - returns full functions with context
**Grep answers "WHERE does this word appear?"** - returns line fragments only

### Decision Rule

Ask: *Do I need the implementation or just the location?*

| Need | Tool | Example |
|------|------|---------|
| **Implementation** | ` + "`viberag-daemon search`" + ` | "How does retry work?" |
| **Exact text** | Grep | ` + "`func NewClient(`" + ` |
| **File paths** | Glob | ` + "`**/*.test.go`" + ` |

### Workflow: search -> Read -> Edit

` + "```" + `
# 1. Find code
viberag-daemon search "retry logic"

# 2. Get full context (Read) - use file/line from step 1
Read(file_path, offset: N)

# 3. Edit directly - do NOT use Grep in between
Edit(file_path, old_string, new_string)
` + "```" + `

**Default to viberag-daemon search. Never use Grep as an intermediate step.**
<!-- viberag:end -->
`

// hasViberagGuide checks if CLAUDE.md contains the viberag guide section.
func hasViberagGuide(path string) (bool, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading CLAUDE.md: %w", err)
	}
	return strings.Contains(string(content), viberagGuideStartMarker), nil
}

// hasViberagIgnore checks if .viberag is already in .gitignore.
// Handles variations: .viberag, .viberag/, /.viberag, /.viberag/
func hasViberagIgnore(content string) bool {
	patterns := []string{
		".viberag",
		".viberag/",
		"/.viberag",
		"/.viberag/",
	}

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, pattern := range patterns {
			if line == pattern {
				return true
			}
		}
	}
	return false
}

// ensureGitignore adds .viberag to .gitignore if not present.
// Returns (true, nil) if added, (false, nil) if already present.
func ensureGitignore(projectRoot string) (bool, error) {
	gitignorePath := filepath.Join(projectRoot, ".gitignore")

	content, err := os.ReadFile(gitignorePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("reading .gitignore: %w", err)
	}

	if hasViberagIgnore(string(content)) {
		return false, nil
	}

	lineEnding := "\n"
	if bytes.Contains(content, []byte("\r\n")) {
		lineEnding = "\r\n"
	}

	if len(content) > 0 && !bytes.HasSuffix(content, []byte("\n")) {
		content = append(content, []byte(lineEnding)...)
	}

	var entry string
	if len(content) == 0 {
		entry = fmt.Sprintf("# VibeRAG index data (auto-generated)%s.viberag/%s",
			lineEnding, lineEnding)
	} else {
		entry = fmt.Sprintf("%s# VibeRAG index data (auto-generated)%s.viberag/%s",
			lineEnding, lineEnding, lineEnding)
	}

	content = append(content, []byte(entry)...)

	if err := os.WriteFile(gitignorePath, content, 0644); err != nil {
		return false, fmt.Errorf("writing .gitignore: %w", err)
	}

	return true, nil
}

// ensureViberagGuide adds the usage guide section to CLAUDE.md if not present.
func ensureViberagGuide(path string) (bool, error) {
	fileExists := true
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fileExists = false
	}

	if fileExists {
		hasGuide, err := hasViberagGuide(path)
		if err != nil {
			return false, err
		}
		if hasGuide {
			return false, nil
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return false, fmt.Errorf("opening CLAUDE.md: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString("\n\n" + viberagGuideContent); err != nil {
			return false, fmt.Errorf("appending to CLAUDE.md: %w", err)
		}
		return true, nil
	}

	if err := os.WriteFile(path, []byte(viberagGuideContent), 0644); err != nil {
		return false, fmt.Errorf("creating CLAUDE.md: %w", err)
	}
	return true, nil
}

// generateViberagJSON creates a template .viberag.json if no project config
// exists yet.
//
// File priority: checks for .viberag.json first, then the legacy
// .viberag.yaml/.yml extensions. If any exists, the existing file is
// preserved (never overwritten). See internal/config/config.go Load() for
// the full configuration hierarchy (hardcoded defaults -> user config ->
// project config -> VIBERAG_* env vars).
func generateViberagJSON(out *output.Writer, projectRoot string) error {
	jsonPath := filepath.Join(projectRoot, ".viberag.json")

	if _, err := os.Stat(jsonPath); err == nil {
		out.Status("ℹ️ ", "Existing .viberag.json preserved")
		return nil
	}

	yamlPath := filepath.Join(projectRoot, ".viberag.yaml")
	if _, err := os.Stat(yamlPath); err == nil {
		out.Status("ℹ️ ", "Existing .viberag.yaml found, skipping template")
		return nil
	}

	ymlPath := filepath.Join(projectRoot, ".viberag.yml")
	if _, err := os.Stat(ymlPath); err == nil {
		out.Status("ℹ️ ", "Existing .viberag.yml found, skipping template")
		return nil
	}

	if err := os.WriteFile(jsonPath, []byte(configs.ProjectConfigTemplate), 0644); err != nil {
		return fmt.Errorf("failed to write .viberag.json: %w", err)
	}

	out.Statusf("📝", "Created .viberag.json (optional project configuration)")
	return nil
}

func runInit(ctx context.Context, cmd *cobra.Command, force, offline, configOnly, resume bool) error {
	out := output.New(cmd.OutOrStdout())

	out.Statusf("🚀", "VibeRAG %s - Initializing...", version.Version)
	out.Newline()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	root, err := config.FindProjectRoot(cwd)
	if err != nil {
		root = cwd
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	out.Statusf("📁", "Project: %s", absRoot)

	dataDir := filepath.Join(absRoot, ".viberag")
	if !force {
		if _, err := os.Stat(filepath.Join(dataDir, "metadata.db")); err == nil {
			out.Warning("Project already initialized (.viberag/metadata.db exists)")
			out.Status("💡", "Use --force to reinitialize")
			return nil
		}
	}

	// Step 1: Generate project config template (optional, never overwrites)
	out.Newline()
	if err := generateViberagJSON(out, absRoot); err != nil {
		out.Warningf("Could not create .viberag.json template: %v", err)
	}

	// Step 2: Add CLAUDE.md usage guide
	claudeMDPath := filepath.Join(absRoot, "CLAUDE.md")
	added, err := ensureViberagGuide(claudeMDPath)
	if err != nil {
		out.Warningf("Could not update CLAUDE.md: %v", err)
	} else if added {
		out.Success("Added viberag usage guide to CLAUDE.md")
	} else {
		out.Status("ℹ️ ", "CLAUDE.md already has viberag guide")
	}

	// Step 3: Ensure .viberag in .gitignore
	added, err = ensureGitignore(absRoot)
	if err != nil {
		out.Warningf("Could not update .gitignore: %v", err)
	} else if added {
		out.Status("📝", "Added .viberag to .gitignore")
	}

	// Step 4: Index the project (skip if --config-only)
	if configOnly {
		out.Newline()
		out.Status("⏭️ ", "Skipping indexing (--config-only)")
	} else {
		if !offline {
			out.Newline()
			out.Status("🧠", "Checking embedder availability...")

			shouldUseOffline, err := ensureEmbedderReady(ctx, out)
			if err != nil {
				return fmt.Errorf("embedder check failed: %w", err)
			}
			if shouldUseOffline {
				offline = true
				out.Status("ℹ️ ", "Using offline mode (BM25-only search)")
			}
		}

		out.Newline()
		if resume {
			out.Status("📊", "Resuming indexing from checkpoint...")
		} else {
			out.Status("📊", "Indexing project...")
		}

		startTime := time.Now()
		if err := runIndexWithResume(ctx, cmd, absRoot, offline, false, resume, force); err != nil {
			return fmt.Errorf("indexing failed: %w", err)
		}
		duration := time.Since(startTime)

		out.Newline()
		out.Status("⏱️ ", fmt.Sprintf("Completed in %.1fs", duration.Seconds()))

		embedderType := "OllamaEmbedder"
		if offline {
			embedderType = "Static768 (offline)"
		}
		out.Statusf("🧠", "Embedder: %s", embedderType)

		// Step 5: Make sure the daemon is up so the fresh index is
		// immediately queryable over the socket.
		out.Newline()
		out.Status("🔌", "Starting daemon...")
		daemonCfg := daemon.DefaultConfig()
		c := client.New(client.Config{SocketPath: daemonCfg.SocketPath, PIDPath: daemonCfg.PIDPath, Timeout: daemonCfg.Timeout, Source: "cli"})
		defer c.Close()
		if err := c.EnsureDaemon(ctx); err != nil {
			out.Warningf("Could not start daemon: %v", err)
			out.Status("💡", "Run 'viberag-daemon serve' manually")
		} else {
			out.Success("Daemon ready")
		}
	}

	out.Newline()
	if configOnly {
		out.Success("Configuration complete!")
	} else {
		out.Success("Initialization complete!")
	}
	out.Newline()
	out.Status("📋", "Next steps:")
	out.Status("", "  1. Run 'viberag-daemon search \"...\"' to query the index")
	out.Status("", "  2. Run 'viberag-daemon doctor' to verify setup")

	if !config.UserConfigExists() {
		out.Newline()
		out.Status("💡", "For machine-specific settings (thermal, Ollama host):")
		out.Status("", "   Run 'viberag-daemon config init' to create user config")
	}

	return nil
}

// ensureEmbedderReady checks and ensures the embedder (Ollama) is ready.
// Returns (useOffline, error) - if useOffline is true, caller should use offline mode.
func ensureEmbedderReady(ctx context.Context, out *output.Writer) (bool, error) {
	manager := lifecycle.NewOllamaManager()

	if manager.IsRemoteHost() {
		out.Status("ℹ️ ", "Using remote Ollama host: "+manager.Host())
		running, err := manager.IsRunning()
		if err != nil {
			return false, fmt.Errorf("failed to check remote Ollama: %w", err)
		}
		if !running {
			return false, fmt.Errorf("remote Ollama at %s is not responding", manager.Host())
		}
		out.Success("Remote Ollama is available")
		return false, nil
	}

	status, err := manager.Status(ctx, embed.DefaultOllamaModel)
	if err != nil {
		running, _ := manager.IsRunning()
		if running {
			out.Success("Ollama is running")
			return false, nil
		}
	}

	if status != nil && !status.Installed {
		return handleOllamaNotInstalled(out)
	}

	if status != nil && !status.Running {
		out.Status("🔄", "Ollama is installed but not running. Starting...")

		if err := manager.Start(); err != nil {
			out.Warningf("Failed to start Ollama: %v", err)
			return handleOllamaStartFailed(out)
		}

		out.Status("⏳", "Waiting for Ollama to be ready...")
		if err := manager.WaitForReady(ctx, lifecycle.StartupTimeout); err != nil {
			out.Warningf("Ollama failed to start in time: %v", err)
			return handleOllamaStartFailed(out)
		}

		out.Success("Ollama started successfully")
		status, _ = manager.Status(ctx, embed.DefaultOllamaModel)
	}

	if status != nil && status.Running && !status.HasModel {
		out.Statusf("📥", "Pulling embedding model %s...", embed.DefaultOllamaModel)

		progressFunc := lifecycle.CreatePullProgressFunc(os.Stdout)
		if err := manager.PullModel(ctx, embed.DefaultOllamaModel, progressFunc); err != nil {
			out.Newline()
			out.Warningf("Failed to pull model: %v", err)
			return handleModelPullFailed(out, embed.DefaultOllamaModel)
		}

		out.Newline()
		out.Successf("Model %s ready", embed.DefaultOllamaModel)
	}

	out.Success("Embedder ready")
	return false, nil
}

// handleOllamaNotInstalled handles the case when Ollama is not installed.
func handleOllamaNotInstalled(out *output.Writer) (bool, error) {
	if !lifecycle.IsTTY() {
		out.Newline()
		out.Warning("Ollama is not installed (required for semantic search)")
		out.Newline()
		out.Status("", lifecycle.InstallInstructions())
		out.Newline()
		out.Status("💡", "Use --offline flag to skip semantic search")
		return false, fmt.Errorf("ollama not installed (use --offline for BM25-only search)")
	}

	choice, err := lifecycle.PromptNoEmbedder(os.Stdout, os.Stdin)
	if err != nil {
		return false, err
	}

	switch choice {
	case lifecycle.ChoiceShowInstall:
		lifecycle.ShowInstallInstructions(os.Stdout)
		out.Newline()
		out.Status("💡", "After installing Ollama, run 'viberag-daemon init' again")
		return false, fmt.Errorf("installation required")

	case lifecycle.ChoiceOfflineMode:
		return true, nil

	case lifecycle.ChoiceCancel:
		return false, fmt.Errorf("operation cancelled")

	default:
		return false, fmt.Errorf("invalid choice")
	}
}

// handleOllamaStartFailed handles when Ollama fails to start.
func handleOllamaStartFailed(out *output.Writer) (bool, error) {
	if !lifecycle.IsTTY() {
		out.Status("💡", "Use --offline flag for BM25-only search")
		return false, fmt.Errorf("failed to start Ollama (use --offline for BM25-only search)")
	}

	out.Newline()
	out.Status("", "  [1] Try again")
	out.Status("", "  [2] Use offline mode (BM25-only)")
	out.Status("", "  [3] Cancel")
	out.Newline()

	choice, err := lifecycle.PromptNoEmbedder(os.Stdout, os.Stdin)
	if err != nil {
		return false, err
	}

	switch choice {
	case lifecycle.ChoiceShowInstall:
		return false, fmt.Errorf("please run 'viberag-daemon init' again after starting Ollama manually")

	case lifecycle.ChoiceOfflineMode:
		return true, nil

	default:
		return false, fmt.Errorf("operation cancelled")
	}
}

// handleModelPullFailed handles when model pull fails.
func handleModelPullFailed(out *output.Writer, model string) (bool, error) {
	if !lifecycle.IsTTY() {
		out.Statusf("💡", "Pull manually with: ollama pull %s", model)
		out.Status("💡", "Or use --offline flag for BM25-only search")
		return false, fmt.Errorf("failed to pull model (use --offline for BM25-only search)")
	}

	out.Newline()
	out.Statusf("", "  Pull manually: ollama pull %s", model)
	out.Status("", "  Or choose an option:")
	out.Newline()

	choice, err := lifecycle.PromptNoEmbedder(os.Stdout, os.Stdin)
	if err != nil {
		return false, err
	}

	switch choice {
	case lifecycle.ChoiceShowInstall:
		return false, fmt.Errorf("please pull the model manually and run 'viberag-daemon init' again")

	case lifecycle.ChoiceOfflineMode:
		return true, nil

	default:
		return false, fmt.Errorf("operation cancelled")
	}
}
