package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/viberag/viberag/internal/config"
	"github.com/viberag/viberag/internal/embed"
	"github.com/viberag/viberag/internal/index"
	"github.com/viberag/viberag/internal/paths"
	"github.com/viberag/viberag/internal/rpc"
	"github.com/viberag/viberag/internal/search"
	"github.com/viberag/viberag/internal/store"
	"github.com/viberag/viberag/internal/ui"
	"github.com/viberag/viberag/internal/validation"
	"github.com/viberag/viberag/internal/watcher"
	"github.com/viberag/viberag/pkg/version"
)

// watchState is one state in the §4.11 file watcher state machine.
type watchState string

const (
	watchStopped     watchState = "stopped"
	watchStarting    watchState = "starting"
	watchWatching    watchState = "watching"
	watchDebouncing  watchState = "debouncing"
	watchBatching    watchState = "batching"
	watchIndexed     watchState = "indexed"
)

// project holds every resource kept in memory for one indexed root.
// Daemon lazily loads one of these per root_path a client asks about, and
// evicts the least-recently-used entry once Config.MaxProjects is exceeded.
type project struct {
	root     string
	dataDir  string
	cfg      *config.Config
	metadata store.MetadataStore
	bm25     store.BM25Index
	vector   store.VectorStore
	embedder embed.Embedder
	engine   *search.Engine
	loadedAt time.Time

	mu               sync.Mutex
	watch            *watcher.HybridWatcher
	watchState       watchState
	pendingPaths     int
	pauseUntil       time.Time
	pauseReason      string
	indexing         *rpc.IndexingStatus
	failedBatches    int
	failedFiles      int
}

// Daemon is the process that owns every loaded project and answers RPC
// requests over internal/rpc. It implements rpc.RequestHandler.
type Daemon struct {
	cfg     Config
	started time.Time

	mu       sync.Mutex
	projects map[string]*project

	server *rpc.Server
	pidf   *PIDFile
	lock   *lockFile

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewDaemon creates a Daemon that has not yet started listening.
func NewDaemon(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDir(); err != nil {
		return nil, err
	}

	return &Daemon{
		cfg:        cfg,
		started:    time.Now(),
		projects:   make(map[string]*project),
		pidf:       NewPIDFile(cfg.PIDPath),
		lock:       newLockFile(filepath.Join(filepath.Dir(cfg.PIDPath), "daemon.lock")),
		shutdownCh: make(chan struct{}),
	}, nil
}

// Start acquires the daemon lock, writes the PID file, and serves RPC
// requests on cfg.SocketPath until ctx is cancelled or Shutdown is called.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.lock.Acquire(); err != nil {
		return fmt.Errorf("daemon: another instance is already running: %w", err)
	}
	defer d.lock.Release()

	if err := d.pidf.Write(); err != nil {
		return fmt.Errorf("daemon: write pidfile: %w", err)
	}
	defer func() { _ = d.pidf.Remove() }()

	heartbeat := time.NewTicker(lockRefreshInterval)
	defer heartbeat.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.shutdownCh:
				return
			case <-heartbeat.C:
				d.lock.Refresh()
			}
		}
	}()

	d.server = rpc.NewServer(d.cfg.SocketPath)
	d.server.SetHandler(d)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-d.shutdownCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("daemon starting", slog.String("socket", d.cfg.SocketPath), slog.Int("pid", os.Getpid()))
	err := d.server.ListenAndServe(serveCtx)

	d.mu.Lock()
	for _, p := range d.projects {
		d.closeProject(p)
	}
	d.projects = make(map[string]*project)
	d.mu.Unlock()

	if err != nil && serveCtx.Err() != nil {
		return nil
	}
	return err
}

// requestShutdown triggers Start's serve loop to stop.
func (d *Daemon) requestShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
}

// loadProject returns the project for root, opening its stores on first use.
func (d *Daemon) loadProject(ctx context.Context, root string) (*project, error) {
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return nil, &rpc.Error{Code: rpc.ErrCodeInvalidParams, Message: "root_path is required"}
		}
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeInvalidParams, Message: fmt.Sprintf("invalid root_path: %v", err)}
	}

	d.mu.Lock()
	if p, ok := d.projects[root]; ok {
		d.mu.Unlock()
		return p, nil
	}
	d.mu.Unlock()

	p, err := d.openProject(ctx, root)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeNotInitialized, Message: err.Error()}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.projects[root]; ok {
		d.closeProject(p)
		return existing, nil
	}
	if len(d.projects) >= d.cfg.MaxProjects {
		d.evictOldestLocked()
	}
	d.projects[root] = p
	return p, nil
}

func (d *Daemon) evictOldestLocked() {
	var oldestRoot string
	var oldest time.Time
	for r, p := range d.projects {
		if oldestRoot == "" || p.loadedAt.Before(oldest) {
			oldestRoot = r
			oldest = p.loadedAt
		}
	}
	if oldestRoot == "" {
		return
	}
	d.closeProject(d.projects[oldestRoot])
	delete(d.projects, oldestRoot)
}

func (d *Daemon) openProject(ctx context.Context, root string) (*project, error) {
	if resolver, err := paths.New(root, ""); err == nil {
		_, _ = resolver.ProjectID() // reserved for future multi-root cache naming; data still lives alongside the repo
	}
	dataDir := filepath.Join(root, ".viberag")

	cfg, err := config.Load(root)
	if err != nil {
		cfg = config.NewConfig()
	}

	metadataPath := filepath.Join(dataDir, "metadata.db")
	metadata, err := store.NewSQLiteStore(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w (run 'viberag index' first)", err)
	}

	bm25BasePath := filepath.Join(dataDir, "bm25")
	bm25, err := store.NewBM25IndexWithBackend(bm25BasePath, store.DefaultBM25Config(), cfg.Search.BM25Backend)
	if err != nil {
		_ = metadata.Close()
		return nil, fmt.Errorf("open BM25 index: %w", err)
	}

	embedder, err := newProjectEmbedder(ctx, cfg)
	if err != nil {
		_ = metadata.Close()
		_ = bm25.Close()
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	vectorPath := filepath.Join(dataDir, "vectors.hnsw")
	vectorConfig := store.DefaultVectorStoreConfig(embedder.Dimensions())
	vector, err := store.NewHNSWStore(vectorConfig)
	if err != nil {
		_ = metadata.Close()
		_ = bm25.Close()
		_ = embedder.Close()
		return nil, fmt.Errorf("create vector store: %w", err)
	}
	if _, statErr := os.Stat(vectorPath); statErr == nil {
		if loadErr := vector.Load(vectorPath); loadErr != nil {
			slog.Debug("vector_load_failed", slog.String("root", root), slog.String("error", loadErr.Error()))
		}
	}

	engineConfig := search.DefaultConfig()
	if cfg.Search.MaxResults > 0 {
		engineConfig.DefaultLimit = cfg.Search.MaxResults
	}
	if cfg.Search.BM25Weight > 0 || cfg.Search.SemanticWeight > 0 {
		engineConfig.DefaultWeights = search.Weights{BM25: cfg.Search.BM25Weight, Semantic: cfg.Search.SemanticWeight}
	}
	engine := search.New(bm25, vector, embedder, metadata, engineConfig,
		search.WithMultiQuerySearch(search.NewPatternDecomposer()))

	p := &project{
		root:     root,
		dataDir:  dataDir,
		cfg:      cfg,
		metadata: metadata,
		bm25:     bm25,
		vector:   vector,
		embedder: embedder,
		engine:   engine,
		loadedAt: time.Now(),
		watchState: watchStopped,
	}

	if cfg.Server.AutoWatch {
		d.startWatch(ctx, p)
	}

	return p, nil
}

func newProjectEmbedder(ctx context.Context, cfg *config.Config) (embed.Embedder, error) {
	embed.SetMLXConfig(embed.MLXServerConfig{Endpoint: cfg.Embeddings.MLXEndpoint, Model: cfg.Embeddings.MLXModel})
	provider := embed.ParseProvider(cfg.Embeddings.Provider)
	return embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
}

func (d *Daemon) closeProject(p *project) {
	p.mu.Lock()
	if p.watch != nil {
		_ = p.watch.Stop()
	}
	p.mu.Unlock()
	if p.metadata != nil {
		_ = p.metadata.Close()
	}
	if p.bm25 != nil {
		_ = p.bm25.Close()
	}
	if p.vector != nil {
		_ = p.vector.Close()
	}
	if p.embedder != nil {
		_ = p.embedder.Close()
	}
}

// startWatch launches the §4.11 watcher state machine for p in the background.
func (d *Daemon) startWatch(ctx context.Context, p *project) {
	p.mu.Lock()
	if p.watch != nil {
		p.mu.Unlock()
		return
	}
	p.watchState = watchStarting
	p.mu.Unlock()

	opts := watcher.DefaultOptions()
	hw, err := watcher.NewHybridWatcher(opts)
	if err != nil {
		slog.Warn("watcher init failed", slog.String("root", p.root), slog.String("error", err.Error()))
		p.mu.Lock()
		p.watchState = watchStopped
		p.mu.Unlock()
		return
	}

	if err := hw.Start(ctx, p.root); err != nil {
		slog.Warn("watcher start failed", slog.String("root", p.root), slog.String("error", err.Error()))
		p.mu.Lock()
		p.watchState = watchStopped
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.watch = hw
	p.watchState = watchWatching
	p.mu.Unlock()

	go d.watchLoop(ctx, p, hw)
}

func (d *Daemon) watchLoop(ctx context.Context, p *project, hw *watcher.HybridWatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-hw.Events():
			if !ok {
				return
			}
			p.mu.Lock()
			now := time.Now()
			paused := !p.pauseUntil.IsZero() && now.Before(p.pauseUntil)
			p.pendingPaths = len(batch)
			if paused {
				p.watchState = watchWatching
				p.mu.Unlock()
				continue
			}
			p.watchState = watchBatching
			p.mu.Unlock()

			if err := d.reindexProject(ctx, p); err != nil {
				slog.Warn("auto-reindex failed", slog.String("root", p.root), slog.String("error", err.Error()))
				p.mu.Lock()
				p.failedBatches++
				p.mu.Unlock()
			}

			p.mu.Lock()
			p.watchState = watchIndexed
			p.pendingPaths = 0
			p.mu.Unlock()

			// Brief "indexed" pulse before returning to steady-state watching,
			// matching the state machine's documented transition back.
			time.Sleep(50 * time.Millisecond)
			p.mu.Lock()
			if p.watchState == watchIndexed {
				p.watchState = watchWatching
			}
			p.mu.Unlock()
		case err, ok := <-hw.Errors():
			if !ok {
				return
			}
			slog.Warn("watcher error", slog.String("root", p.root), slog.String("error", err.Error()))
		}
	}
}

func (d *Daemon) reindexProject(ctx context.Context, p *project) error {
	runner, err := index.NewRunner(index.RunnerDependencies{
		Renderer: ui.NewPlainRenderer(ui.Config{Output: io.Discard}),
		Config:   p.cfg,
		Metadata: p.metadata,
		BM25:     p.bm25,
		Vector:   p.vector,
		Embedder: p.embedder,
	})
	if err != nil {
		return err
	}
	defer func() { _ = runner.Close() }()

	result, err := runner.Run(ctx, index.RunnerConfig{RootDir: p.root, DataDir: p.dataDir})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.failedFiles += result.Errors
	p.mu.Unlock()
	return nil
}

// --- rpc.RequestHandler ---

func (d *Daemon) Ping(ctx context.Context, tag *rpc.ClientTag) (*rpc.PingResult, error) {
	return &rpc.PingResult{Pong: true, Version: version.Version}, nil
}

func (d *Daemon) Health(ctx context.Context, tag *rpc.ClientTag) (*rpc.HealthResult, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	d.mu.Lock()
	clients := 0
	if d.server != nil {
		clients = d.server.ActiveConnections()
	}
	d.mu.Unlock()

	return &rpc.HealthResult{
		UptimeSeconds:   time.Since(d.started).Seconds(),
		MemoryRSSBytes:  mem.Sys,
		ActiveClients:   clients,
		IndexStatus:     "ready",
		ProtocolVersion: "2.0",
	}, nil
}

func (d *Daemon) Status(ctx context.Context, tag *rpc.ClientTag) (*rpc.StatusResult, error) {
	d.mu.Lock()
	loaded := len(d.projects)
	var failedBatches, failedFiles int
	var indexing *rpc.IndexingStatus
	for _, p := range d.projects {
		p.mu.Lock()
		failedBatches += p.failedBatches
		failedFiles += p.failedFiles
		if p.indexing != nil {
			indexing = p.indexing
		}
		p.mu.Unlock()
	}
	d.mu.Unlock()

	return &rpc.StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		UptimeSeconds:  time.Since(d.started).Seconds(),
		EmbedderType:   "auto",
		EmbedderStatus: "ready",
		ProjectsLoaded: loaded,
		Indexing:       indexing,
		FailedBatches:  failedBatches,
		FailedFiles:    failedFiles,
	}, nil
}

func (d *Daemon) WatchStatus(ctx context.Context, tag *rpc.ClientTag) (*rpc.WatchStatusData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Without a root_path, report the most recently loaded project's watcher.
	var newest *project
	for _, p := range d.projects {
		if newest == nil || p.loadedAt.After(newest.loadedAt) {
			newest = p
		}
	}
	if newest == nil {
		return &rpc.WatchStatusData{State: string(watchStopped)}, nil
	}

	newest.mu.Lock()
	defer newest.mu.Unlock()
	data := &rpc.WatchStatusData{
		State:        string(newest.watchState),
		PendingPaths: newest.pendingPaths,
	}
	if !newest.pauseUntil.IsZero() {
		data.AutoIndexPausedUntil = newest.pauseUntil.Format(time.RFC3339)
		data.AutoIndexPauseReason = newest.pauseReason
	}
	return data, nil
}

func (d *Daemon) Index(ctx context.Context, params rpc.IndexParams, tag *rpc.ClientTag) (*rpc.IndexResult, error) {
	p, err := d.loadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.indexing != nil {
		p.mu.Unlock()
		return nil, &rpc.Error{Code: rpc.ErrCodeIndexInProgress, Message: "indexing already in progress"}
	}
	p.indexing = &rpc.IndexingStatus{Status: "indexing", StartedAt: time.Now().Format(time.RFC3339)}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.indexing = nil
		p.mu.Unlock()
	}()

	runner, err := index.NewRunner(index.RunnerDependencies{
		Renderer: ui.NewPlainRenderer(ui.Config{Output: io.Discard}),
		Config:   p.cfg,
		Metadata: p.metadata,
		BM25:     p.bm25,
		Vector:   p.vector,
		Embedder: p.embedder,
	})
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeInternalError, Message: err.Error()}
	}
	defer func() { _ = runner.Close() }()

	result, err := runner.Run(ctx, index.RunnerConfig{RootDir: p.root, DataDir: p.dataDir})
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeInternalError, Message: err.Error()}
	}

	return &rpc.IndexResult{FilesIndexed: result.Files, ChunksIndexed: result.Chunks, FailedFiles: result.Errors}, nil
}

func (d *Daemon) IndexAsync(ctx context.Context, params rpc.IndexParams, tag *rpc.ClientTag) (*rpc.IndexAsyncResult, error) {
	p, err := d.loadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.indexing != nil {
		p.mu.Unlock()
		return nil, &rpc.Error{Code: rpc.ErrCodeIndexInProgress, Message: "indexing already in progress"}
	}
	jobID := fmt.Sprintf("job-%d", time.Now().UnixNano())
	p.indexing = &rpc.IndexingStatus{JobID: jobID, Status: "scanning", StartedAt: time.Now().Format(time.RFC3339)}
	p.mu.Unlock()

	go func() {
		bgCtx := context.Background()
		runner, err := index.NewRunner(index.RunnerDependencies{
			Renderer: ui.NewPlainRenderer(ui.Config{Output: io.Discard}),
			Config:   p.cfg,
			Metadata: p.metadata,
			BM25:     p.bm25,
			Vector:   p.vector,
			Embedder: p.embedder,
		})
		if err != nil {
			p.mu.Lock()
			p.indexing.Status = "failed"
			p.indexing.Error = err.Error()
			p.mu.Unlock()
			return
		}
		defer func() { _ = runner.Close() }()

		result, err := runner.Run(bgCtx, index.RunnerConfig{RootDir: p.root, DataDir: p.dataDir})
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.indexing.Status = "failed"
			p.indexing.Error = err.Error()
			return
		}
		p.indexing.Status = "complete"
		p.indexing.Processed = result.Files
		p.indexing.Total = result.Files
		p.indexing.FinishedAt = time.Now().Format(time.RFC3339)
	}()

	return &rpc.IndexAsyncResult{JobID: jobID}, nil
}

func (d *Daemon) Search(ctx context.Context, params rpc.SearchParams, tag *rpc.ClientTag) (*[]rpc.SearchResult, error) {
	p, err := d.loadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	opts := search.SearchOptions{
		Limit:    params.Limit,
		Filter:   params.Filter,
		Language: params.Language,
		Scopes:   params.Scopes,
		BM25Only: params.BM25Only,
		Explain:  params.Explain,
	}

	results, err := p.engine.Search(ctx, params.Query, opts)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeInternalError, Message: err.Error()}
	}

	results = filterSearchResults(results, params)

	out := make([]rpc.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		sr := rpc.SearchResult{
			FilePath:  r.Chunk.FilePath,
			StartLine: r.Chunk.StartLine,
			EndLine:   r.Chunk.EndLine,
			Score:     r.Score,
			Content:   r.Chunk.Content,
			Language:  r.Chunk.Language,
			BM25Score: r.BM25Score,
			VecScore:  r.VecScore,
			BM25Rank:  r.BM25Rank,
			VecRank:   r.VecRank,
		}
		out = append(out, sr)
	}
	return &out, nil
}

// filterSearchResults applies the §4.10 path/decorator/docstring filters the
// engine itself does not know about, post-hoc over its ranked results.
func filterSearchResults(results []*search.SearchResult, params rpc.SearchParams) []*search.SearchResult {
	if params.PathPrefix == "" && params.PathContains == "" && params.DecoratorContains == "" && params.HasDocstring == nil {
		return results
	}
	filtered := make([]*search.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		if params.PathPrefix != "" && !hasPrefix(r.Chunk.FilePath, params.PathPrefix) {
			continue
		}
		if params.PathContains != "" && !contains(r.Chunk.FilePath, params.PathContains) {
			continue
		}
		if params.DecoratorContains != "" && !contains(r.Chunk.Content, params.DecoratorContains) {
			continue
		}
		if params.HasDocstring != nil {
			hasDoc := chunkHasDocstring(r.Chunk)
			if hasDoc != *params.HasDocstring {
				continue
			}
		}
		filtered = append(filtered, r)
	}
	return filtered
}

func chunkHasDocstring(c *store.Chunk) bool {
	for _, s := range c.Symbols {
		if s.DocComment != "" {
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool { return len(s) >= len(prefix) && s[:len(prefix)] == prefix }
func contains(s, sub string) bool {
	return len(sub) == 0 || indexOf(s, sub) >= 0
}
func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// GetSymbol is grounded on store.MetadataStore.SearchSymbols, the closest
// fit to a relational symbols table: Symbol is embedded on Chunk rather than
// stored as its own row, so "symbol_id" here is the symbol's name.
func (d *Daemon) GetSymbol(ctx context.Context, params rpc.GetSymbolParams, tag *rpc.ClientTag) (*rpc.GetSymbolResult, error) {
	p, err := d.loadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	symbols, err := p.metadata.SearchSymbols(ctx, params.SymbolID, 1)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeInternalError, Message: err.Error()}
	}
	if len(symbols) == 0 {
		return nil, &rpc.Error{Code: rpc.ErrCodeInvalidParams, Message: fmt.Sprintf("symbol not found: %s", params.SymbolID)}
	}
	s := symbols[0]
	return &rpc.GetSymbolResult{
		Name:       s.Name,
		Type:       string(s.Type),
		StartLine:  s.StartLine,
		EndLine:    s.EndLine,
		Signature:  s.Signature,
		DocComment: s.DocComment,
	}, nil
}

// FindUsages is a pragmatic simplification: without a standalone refs table,
// usages are approximated via BM25/semantic search for the token's text.
func (d *Daemon) FindUsages(ctx context.Context, params rpc.FindUsagesParams, tag *rpc.ClientTag) (*rpc.FindUsagesResult, error) {
	p, err := d.loadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	token := params.TokenText
	if token == "" {
		token = params.SymbolID
	}
	if token == "" {
		return nil, &rpc.Error{Code: rpc.ErrCodeInvalidParams, Message: "symbol_id or token_text is required"}
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	results, err := p.engine.Search(ctx, token, search.SearchOptions{Limit: limit, BM25Only: true})
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeInternalError, Message: err.Error()}
	}

	usages := make([]rpc.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Chunk == nil {
			continue
		}
		usages = append(usages, rpc.SearchResult{
			FilePath:  r.Chunk.FilePath,
			StartLine: r.Chunk.StartLine,
			EndLine:   r.Chunk.EndLine,
			Score:     r.Score,
			Content:   r.Chunk.Content,
			Language:  r.Chunk.Language,
			BM25Score: r.BM25Score,
		})
	}
	return &rpc.FindUsagesResult{Usages: usages}, nil
}

// ExpandContext is grounded on store.MetadataStore.GetChunksByFile: it widens
// a chunk's window by pulling the neighboring chunks from the same file.
func (d *Daemon) ExpandContext(ctx context.Context, params rpc.ExpandContextParams, tag *rpc.ClientTag) (*rpc.ExpandContextResult, error) {
	p, err := d.loadProject(ctx, params.RootPath)
	if err != nil {
		return nil, err
	}

	chunk, err := p.metadata.GetChunk(ctx, params.ID)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeInvalidParams, Message: fmt.Sprintf("chunk not found: %s", params.ID)}
	}

	siblings, err := p.metadata.GetChunksByFile(ctx, chunk.FileID)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeInternalError, Message: err.Error()}
	}

	before, after := params.Before, params.After
	if before <= 0 {
		before = 1
	}
	if after <= 0 {
		after = 1
	}

	startLine, endLine := chunk.StartLine, chunk.EndLine
	var lines []string
	for _, sib := range siblings {
		if sib.EndLine < chunk.StartLine-before || sib.StartLine > chunk.EndLine+after {
			continue
		}
		if sib.StartLine < startLine {
			startLine = sib.StartLine
		}
		if sib.EndLine > endLine {
			endLine = sib.EndLine
		}
		lines = append(lines, sib.Content)
	}

	return &rpc.ExpandContextResult{
		FilePath:  chunk.FilePath,
		Lines:     lines,
		StartLine: startLine,
		EndLine:   endLine,
	}, nil
}

func (d *Daemon) Eval(ctx context.Context, params rpc.EvalParams, tag *rpc.ClientTag) (*rpc.EvalResult, error) {
	root := params.RootPath
	if root == "" {
		var err error
		root, err = os.Getwd()
		if err != nil {
			return nil, &rpc.Error{Code: rpc.ErrCodeInvalidParams, Message: "root_path is required"}
		}
	}

	v, err := validation.NewValidator(ctx, root)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.ErrCodeInternalError, Message: err.Error()}
	}
	defer func() { _ = v.Close() }()

	result := v.RunAll(ctx)

	var totalDuration time.Duration
	var durations []time.Duration
	for _, tr := range append(append(append([]validation.TestResult{}, result.Tier1...), result.Tier2...), result.Negative...) {
		totalDuration += tr.Duration
		durations = append(durations, tr.Duration)
	}
	avg := float64(0)
	if len(durations) > 0 {
		avg = float64(totalDuration.Milliseconds()) / float64(len(durations))
	}

	return &rpc.EvalResult{
		Tier1Pass:     result.Tier1Pass,
		Tier1Total:    result.Tier1Total,
		Tier2Pass:     result.Tier2Pass,
		Tier2Total:    result.Tier2Total,
		NegativePass:  result.NegPass,
		NegativeTotal: result.NegTotal,
		AvgLatencyMS:  avg,
		P95LatencyMS:  p95(durations),
	}, nil
}

func p95(durations []time.Duration) float64 {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration{}, durations...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return float64(sorted[idx].Milliseconds())
}

func (d *Daemon) Cancel(ctx context.Context, params rpc.CancelParams, tag *rpc.ClientTag) (*rpc.CancelResult, error) {
	cancelled := make([]string, 0, 2)

	d.mu.Lock()
	for _, p := range d.projects {
		p.mu.Lock()
		if (params.Target == "indexing" || params.Target == "all") && p.indexing != nil {
			p.indexing.Status = "cancelled"
			cancelled = append(cancelled, "indexing")
		}
		if (params.Target == "watch" || params.Target == "all") && p.watchState != watchStopped {
			p.pauseUntil = time.Now().Add(24 * time.Hour)
			p.pauseReason = params.Reason
			cancelled = append(cancelled, "watch")
		}
		p.mu.Unlock()
	}
	d.mu.Unlock()

	return &rpc.CancelResult{Cancelled: cancelled}, nil
}

func (d *Daemon) Shutdown(ctx context.Context, params rpc.ShutdownParams, tag *rpc.ClientTag) (*rpc.ShutdownResult, error) {
	slog.Info("daemon shutdown requested", slog.String("reason", params.Reason))
	go d.requestShutdown()
	return &rpc.ShutdownResult{Acknowledged: true}, nil
}

func (d *Daemon) TestException(ctx context.Context, params rpc.TestExceptionParams, tag *rpc.ClientTag) (*rpc.TestExceptionResult, error) {
	switch params.Kind {
	case "panic":
		panic("testException: requested panic")
	case "error":
		return nil, &rpc.Error{Code: rpc.ErrCodeInternalError, Message: "testException: requested error"}
	default:
		return &rpc.TestExceptionResult{Triggered: "none"}, nil
	}
}
