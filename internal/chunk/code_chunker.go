package chunk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// minChunkBytes is the merge threshold from §4.5 step 5: adjacent small
// chunks of the same kind and enclosing context are merged below this size.
const minChunkBytes = 100

// CodeChunkerOptions configures the code chunker behavior
type CodeChunkerOptions struct {
	MaxChunkTokens int // Maximum tokens per chunk (default: DefaultMaxChunkTokens)
	OverlapTokens  int // Overlap between chunks when splitting (default: DefaultOverlapTokens)
}

// CodeChunker implements AST-aware code chunking using tree-sitter
type CodeChunker struct {
	parser    *Parser
	extractor *SymbolExtractor
	registry  *LanguageRegistry
	options   CodeChunkerOptions
}

// NewCodeChunker creates a new code chunker with default options
func NewCodeChunker() *CodeChunker {
	return NewCodeChunkerWithOptions(CodeChunkerOptions{})
}

// NewCodeChunkerWithOptions creates a new code chunker with custom options
func NewCodeChunkerWithOptions(opts CodeChunkerOptions) *CodeChunker {
	if opts.MaxChunkTokens == 0 {
		opts.MaxChunkTokens = DefaultMaxChunkTokens
	}
	if opts.OverlapTokens == 0 {
		opts.OverlapTokens = DefaultOverlapTokens
	}

	registry := DefaultRegistry()
	return &CodeChunker{
		parser:    NewParserWithRegistry(registry),
		extractor: NewSymbolExtractorWithRegistry(registry),
		registry:  registry,
		options:   opts,
	}
}

// Close releases chunker resources
func (c *CodeChunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// SupportedExtensions returns file extensions this chunker handles
func (c *CodeChunker) SupportedExtensions() []string {
	return c.registry.SupportedExtensions()
}

// Chunk splits a file into semantic chunks
func (c *CodeChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	if len(file.Content) == 0 {
		return nil, nil
	}

	// Check if language is supported
	_, supported := c.registry.GetByName(file.Language)
	if !supported {
		// Fall back to line-based chunking
		return c.chunkByLines(file)
	}

	// Parse the file
	tree, err := c.parser.Parse(ctx, file.Content, file.Language)
	if err != nil {
		// Fall back to line-based chunking on parse error
		return c.chunkByLines(file)
	}

	// Extract context (package declaration, imports) for the Content field;
	// the context_header (§4.5 step 4) is built per-chunk below.
	fileContext := c.extractFileContext(tree, file.Content, file.Language)

	// Find symbol nodes (functions, classes, methods, types), each carrying
	// the enclosing class name from the parent-class context stack.
	symbolNodes := c.findSymbolNodes(tree, file.Language)

	if len(symbolNodes) == 0 {
		return nil, nil
	}

	// Create chunks from symbol nodes
	chunks := make([]*Chunk, 0, len(symbolNodes))
	now := time.Now()

	for _, node := range symbolNodes {
		nodeChunks := c.createChunksFromNode(node, tree, file, fileContext, now)
		chunks = append(chunks, nodeChunks...)
	}

	return mergeSmallChunks(chunks), nil
}

// symbolNodeInfo holds a symbol node with its extracted symbol info
type symbolNodeInfo struct {
	node   *Node
	symbol *Symbol
}

// findSymbolNodes walks the tree with a parent-class context stack (§4.5
// step 2), emitting one entry per class, top-level function, and method.
func (c *CodeChunker) findSymbolNodes(tree *Tree, language string) []*symbolNodeInfo {
	// Return empty slice, not nil, for consistent API behavior (DEBT-012)
	config, ok := c.registry.GetByName(language)
	if !ok {
		return []*symbolNodeInfo{}
	}

	// Build set of symbol-defining node types
	symbolTypes := make(map[string]SymbolType)
	for _, t := range config.FunctionTypes {
		symbolTypes[t] = SymbolTypeFunction
	}
	for _, t := range config.MethodTypes {
		symbolTypes[t] = SymbolTypeMethod
	}
	for _, t := range config.ClassTypes {
		symbolTypes[t] = SymbolTypeClass
	}
	for _, t := range config.InterfaceTypes {
		symbolTypes[t] = SymbolTypeInterface
	}
	for _, t := range config.TypeDefTypes {
		symbolTypes[t] = SymbolTypeType
	}
	for _, t := range config.ConstantTypes {
		symbolTypes[t] = SymbolTypeConstant
	}
	for _, t := range config.VariableTypes {
		symbolTypes[t] = SymbolTypeVariable
	}

	var symbolNodes []*symbolNodeInfo

	var walk func(n *Node, classStack []string, decorators []string, exported bool)
	walk = func(n *Node, classStack []string, decorators []string, exported bool) {
		if n == nil {
			return
		}

		enclosingClass := ""
		if len(classStack) > 0 {
			enclosingClass = classStack[len(classStack)-1]
		}

		// Python wraps `@decorator\ndef f(): ...` in a decorated_definition
		// node: collect the decorator names and recurse into the real
		// definition, which is the last child.
		if n.Type == "decorated_definition" {
			var decos []string
			var inner *Node
			for _, child := range n.Children {
				if child.Type == "decorator" {
					decos = append(decos, strings.TrimSpace(strings.TrimPrefix(child.GetContent(tree.Source), "@")))
				} else if child.Type == "function_definition" || child.Type == "class_definition" {
					inner = child
				}
			}
			walk(inner, classStack, decos, exported)
			return
		}

		// JS/TS export wrappers: `export` / `export default` surrounding
		// the real declaration as a single child.
		if n.Type == "export_statement" {
			for _, child := range n.Children {
				if child.Type != "export" && child.Type != "default" {
					walk(child, classStack, decorators, true)
				}
			}
			return
		}

		// Arrow functions / function expressions assigned to a const/let/var.
		if n.Type == "lexical_declaration" || n.Type == "variable_declaration" {
			sym := c.extractor.extractSpecialSymbol(n, tree.Source, language)
			if sym != nil {
				sym.ClassName = enclosingClass
				sym.Decorators = decorators
				sym.IsExported = exported
				symbolNodes = append(symbolNodes, &symbolNodeInfo{node: n, symbol: sym})
				for _, child := range n.Children {
					walk(child, classStack, nil, false)
				}
				return
			}
			// Not an arrow function - fall through to check as constant/variable.
		}

		if symType, isSymbol := symbolTypes[n.Type]; isSymbol {
			// Functions directly nested under a class are methods, even
			// for languages (Python) whose grammar has no distinct method
			// node type.
			if len(classStack) > 0 && symType == SymbolTypeFunction {
				symType = SymbolTypeMethod
			}

			sym := c.extractSymbol(n, tree, symType, language, exported, decorators)
			if sym != nil {
				sym.ClassName = enclosingClass
				symbolNodes = append(symbolNodes, &symbolNodeInfo{node: n, symbol: sym})

				nextStack := classStack
				if symType == SymbolTypeClass {
					nextStack = append(append([]string{}, classStack...), sym.Name)
				}
				for _, child := range n.Children {
					walk(child, nextStack, nil, false)
				}
				return
			}
		}

		for _, child := range n.Children {
			walk(child, classStack, nil, false)
		}
	}

	walk(tree.Root, nil, nil, false)
	return symbolNodes
}

// extractSymbol extracts symbol info from a node
func (c *CodeChunker) extractSymbol(n *Node, tree *Tree, symType SymbolType, language string, exported bool, decorators []string) *Symbol {
	config, _ := c.registry.GetByName(language)
	name := c.extractor.extractName(n, tree.Source, config, language)
	if name == "" {
		return nil
	}

	docComment := c.extractDocComment(n, tree.Source, language)
	if language == "python" {
		if ds := pythonDocstring(n, tree.Source); ds != "" {
			docComment = ds
		}
		if !exported {
			exported = pythonIsExported(name, tree.Source)
		}
	} else if language == "go" {
		exported = isGoExported(name)
	} else if !exported {
		exported = jsHasExportKeyword(n, tree.Source)
	}

	return &Symbol{
		Name:       name,
		Type:       symType,
		StartLine:  int(n.StartPoint.Row) + 1,
		EndLine:    int(n.EndPoint.Row) + 1,
		DocComment: docComment,
		IsExported: exported,
		Decorators: decorators,
	}
}

// isGoExported reports Go's capitalization-based export rule.
func isGoExported(name string) bool {
	r := []rune(name)
	return len(r) > 0 && unicode.IsUpper(r[0])
}

// jsHasExportKeyword checks the raw bytes immediately preceding the node's
// line for a bare "export" keyword, covering declarations this walk did not
// reach through an export_statement wrapper (e.g. re-exported namespaces).
func jsHasExportKeyword(n *Node, source []byte) bool {
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}
	line := strings.TrimSpace(string(source[lineStart:n.StartByte]))
	return strings.HasPrefix(line, "export")
}

// pythonDocstring returns the first string-literal statement in a function
// or class body, Python's docstring convention.
func pythonDocstring(n *Node, source []byte) string {
	body := n.FindChildByType("block")
	if body == nil || len(body.Children) == 0 {
		return ""
	}
	first := body.Children[0]
	if first.Type != "expression_statement" || len(first.Children) == 0 {
		return ""
	}
	str := first.Children[0]
	if str.Type != "string" {
		return ""
	}
	content := str.GetContent(source)
	content = strings.TrimSpace(content)
	for _, quote := range []string{`"""`, `'''`, `"`, `'`} {
		content = strings.TrimPrefix(content, quote)
		content = strings.TrimSuffix(content, quote)
	}
	return strings.TrimSpace(content)
}

// pythonIsExported reports membership in a module-level __all__ list, or
// (absent one) the leading-underscore convention.
func pythonIsExported(name string, source []byte) bool {
	idx := bytes.Index(source, []byte("__all__"))
	if idx == -1 {
		return !strings.HasPrefix(name, "_")
	}
	rest := source[idx:]
	open := bytes.IndexByte(rest, '[')
	if open == -1 {
		return !strings.HasPrefix(name, "_")
	}
	closeIdx := bytes.IndexByte(rest[open:], ']')
	if closeIdx == -1 {
		return !strings.HasPrefix(name, "_")
	}
	list := string(rest[open : open+closeIdx])
	for _, entry := range strings.Split(list, ",") {
		entry = strings.Trim(strings.TrimSpace(entry), `"'`)
		if entry == name {
			return true
		}
	}
	return false
}

// extractDocComment extracts doc comment for a node, looking for multi-line comments
func (c *CodeChunker) extractDocComment(n *Node, source []byte, language string) string {
	// Find the start of the current line
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}

	// Look for comment on preceding lines
	if lineStart <= 1 {
		return ""
	}

	// Collect comment lines working backwards
	var commentLines []string
	pos := lineStart - 1 // Start before the newline

	for pos > 0 {
		// Find start of previous line
		prevLineEnd := pos
		pos--
		for pos > 0 && source[pos] != '\n' {
			pos--
		}
		prevLineStart := pos
		if pos > 0 {
			prevLineStart++ // Skip the newline
		}

		prevLine := strings.TrimSpace(string(source[prevLineStart:prevLineEnd]))

		// Check for single-line comments
		switch language {
		case "go", "typescript", "tsx", "javascript", "jsx":
			if strings.HasPrefix(prevLine, "//") {
				commentLines = append([]string{strings.TrimPrefix(prevLine, "//")}, commentLines...)
				continue
			}
		case "python":
			if strings.HasPrefix(prevLine, "#") {
				commentLines = append([]string{strings.TrimPrefix(prevLine, "#")}, commentLines...)
				continue
			}
		}

		// Stop if we hit a non-comment line (unless empty)
		if prevLine != "" {
			break
		}
	}

	if len(commentLines) == 0 {
		return ""
	}

	return strings.TrimSpace(strings.Join(commentLines, "\n"))
}

// createChunksFromNode creates one or more chunks from a symbol node
func (c *CodeChunker) createChunksFromNode(info *symbolNodeInfo, tree *Tree, file *FileInput, fileContext string, now time.Time) []*Chunk {
	node := info.node
	rawContent := string(tree.Source[node.StartByte:node.EndByte])

	// Include doc comment in raw content if it exists
	rawContentWithDoc := rawContent
	if info.symbol.DocComment != "" {
		// Find where the doc comment is in the source
		rawContentWithDoc = c.getRawContentWithDocComment(node, tree.Source, info.symbol.DocComment)
	}

	tokens := estimateTokens(rawContentWithDoc)

	if tokens <= c.options.MaxChunkTokens {
		// Small enough to be a single chunk
		chunk := c.createChunk(file, rawContentWithDoc, fileContext, info.symbol, now, false)
		return []*Chunk{chunk}
	}

	// Need to split large symbol
	return c.splitLargeSymbol(info, tree, file, fileContext, now)
}

// contextHeaderFuncName picks the Function clause for a symbol: its own
// name for functions/methods, empty for a bare class chunk.
func contextHeaderFuncName(symbol *Symbol) string {
	if symbol.Type == SymbolTypeFunction || symbol.Type == SymbolTypeMethod {
		return symbol.Name
	}
	return ""
}

// buildContextHeader renders "// File: <path>, Class: <C>, Function: <F>[,
// (continued)]" per §4.5 step 4, including only the applicable clauses.
func buildContextHeader(filePath, className, funcName string, continued bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "// File: %s", filePath)
	if className != "" {
		fmt.Fprintf(&b, ", Class: %s", className)
	}
	if funcName != "" {
		fmt.Fprintf(&b, ", Function: %s", funcName)
	}
	if continued {
		b.WriteString(", (continued)")
	}
	return b.String()
}

// contentHash computes content_hash = SHA-256(context_header || "\n" || text).
func contentHash(contextHeader, text string) string {
	h := sha256.New()
	h.Write([]byte(contextHeader))
	h.Write([]byte("\n"))
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// getRawContentWithDocComment gets raw content including doc comment
func (c *CodeChunker) getRawContentWithDocComment(n *Node, source []byte, docComment string) string {
	// Find start of doc comment (before the node)
	lineStart := int(n.StartByte)
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}

	// Count back through comment lines
	docLines := strings.Count(docComment, "\n") + 1
	for i := 0; i < docLines && lineStart > 0; i++ {
		lineStart--
		for lineStart > 0 && source[lineStart-1] != '\n' {
			lineStart--
		}
	}

	return string(source[lineStart:n.EndByte])
}

// splitLargeSymbol splits a large symbol into multiple chunks
func (c *CodeChunker) splitLargeSymbol(info *symbolNodeInfo, tree *Tree, file *FileInput, fileContext string, now time.Time) []*Chunk {
	node := info.node
	content := string(tree.Source[node.StartByte:node.EndByte])

	// Try to split at logical boundaries (child symbols for classes)
	if info.symbol.Type == SymbolTypeClass {
		// For classes, try to split by methods
		methodChunks := c.splitClassByMethods(info, tree, file, fileContext, now)
		if len(methodChunks) > 0 {
			return methodChunks
		}
	}

	// Fall back to line-based splitting with overlap
	return c.splitByLines(content, info.symbol, file, fileContext, now, int(node.StartPoint.Row)+1)
}

// splitClassByMethods splits a class into method-based chunks
func (c *CodeChunker) splitClassByMethods(info *symbolNodeInfo, tree *Tree, file *FileInput, fileContext string, now time.Time) []*Chunk {
	// This is a placeholder - in practice we'd walk the class node
	// to find method children and create individual chunks for each
	return nil // Will fall through to line splitting
}

// splitByLines splits content into line-based chunks with overlap
func (c *CodeChunker) splitByLines(content string, symbol *Symbol, file *FileInput, fileContext string, now time.Time, startLine int) []*Chunk {
	lines := strings.Split(content, "\n")
	// Return empty slice, not nil, for consistent API behavior (DEBT-012)
	if len(lines) == 0 {
		return []*Chunk{}
	}

	// Calculate lines per chunk (roughly)
	// TokensPerChar = 4, so ~128 chars = 32 tokens per line average
	// For 300 tokens, that's about 9-10 lines, but we'll use more conservative estimate
	maxLinesPerChunk := (c.options.MaxChunkTokens * TokensPerChar) / 80 // Assume 80 chars per line average
	if maxLinesPerChunk < 20 {
		maxLinesPerChunk = 20
	}

	overlapLines := (c.options.OverlapTokens * TokensPerChar) / 80
	if overlapLines < 2 {
		overlapLines = 2
	}

	var chunks []*Chunk
	for i := 0; i < len(lines); {
		end := i + maxLinesPerChunk
		if end > len(lines) {
			end = len(lines)
		}
		// Prefer splitting at a blank line near the boundary (§4.5 step 5).
		end = preferBlankLineBoundary(lines, i, end)

		chunkContent := strings.Join(lines[i:end], "\n")
		chunkStartLine := startLine + i
		chunkEndLine := startLine + end - 1
		continued := len(chunks) > 0

		// Create a sub-symbol for this chunk
		subSymbol := &Symbol{
			Name:      fmt.Sprintf("%s_part%d", symbol.Name, len(chunks)+1),
			Type:      symbol.Type,
			ClassName: symbol.ClassName,
			StartLine: chunkStartLine,
			EndLine:   chunkEndLine,
		}

		// For the first chunk, also register the parent symbol.
		// This ensures queries for "Search method" can find split symbols
		// that are stored as "Search_part1", "Search_part2", etc.
		// (See RCA-013: Split Symbol Discovery)
		symbols := []*Symbol{subSymbol}
		if len(chunks) == 0 {
			// Add parent symbol to first chunk for discoverability
			parentSymbol := &Symbol{
				Name:       symbol.Name,
				Type:       symbol.Type,
				ClassName:  symbol.ClassName,
				StartLine:  symbol.StartLine,
				EndLine:    symbol.EndLine,
				IsExported: symbol.IsExported,
				Decorators: symbol.Decorators,
			}
			symbols = append(symbols, parentSymbol)
		}

		header := buildContextHeader(file.Path, symbol.ClassName, contextHeaderFuncName(symbol), continued)
		chunk := &Chunk{
			ID:             contentHash(header, chunkContent),
			ContentHash:    contentHash(header, chunkContent),
			FilePath:       file.Path,
			Content:        combineContextAndContent(fileContext, chunkContent),
			RawContent:     chunkContent,
			Context:        fileContext,
			ContextHeader:  header,
			IsContinuation: continued,
			ContentType:    ContentTypeCode,
			Language:       file.Language,
			StartLine:      chunkStartLine,
			EndLine:        chunkEndLine,
			Symbols:        symbols,
			Metadata:       make(map[string]string),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		chunks = append(chunks, chunk)

		// Move forward, accounting for overlap
		i = end - overlapLines
		if i <= 0 || end >= len(lines) {
			break
		}
	}

	return chunks
}

// preferBlankLineBoundary nudges a split point back to the nearest blank
// line within a small window, so splits don't land mid-statement.
func preferBlankLineBoundary(lines []string, start, end int) int {
	if end >= len(lines) {
		return end
	}
	window := 5
	for j := end; j > start && end-j < window; j-- {
		if strings.TrimSpace(lines[j-1]) == "" {
			return j
		}
	}
	return end
}

// createChunk creates a single chunk from content
func (c *CodeChunker) createChunk(file *FileInput, rawContent, fileContext string, symbol *Symbol, now time.Time, continued bool) *Chunk {
	header := buildContextHeader(file.Path, symbol.ClassName, contextHeaderFuncName(symbol), continued)
	hash := contentHash(header, rawContent)
	return &Chunk{
		ID:             hash,
		ContentHash:    hash,
		FilePath:       file.Path,
		Content:        combineContextAndContent(fileContext, rawContent),
		RawContent:     rawContent,
		Context:        fileContext,
		ContextHeader:  header,
		IsContinuation: continued,
		ContentType:    ContentTypeCode,
		Language:       file.Language,
		StartLine:      symbol.StartLine,
		EndLine:        symbol.EndLine,
		Symbols:        []*Symbol{symbol},
		Metadata:       make(map[string]string),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// mergeSmallChunks merges adjacent chunks (<minChunkBytes) of the same kind
// and enclosing context when the merge stays within max_chunk_size (§4.5
// step 5, second clause).
func mergeSmallChunks(chunks []*Chunk) []*Chunk {
	if len(chunks) < 2 {
		return chunks
	}

	merged := make([]*Chunk, 0, len(chunks))
	merged = append(merged, chunks[0])

	for _, next := range chunks[1:] {
		last := merged[len(merged)-1]
		sameContext := last.FilePath == next.FilePath &&
			last.ContentType == next.ContentType &&
			sameKind(last, next) &&
			sameEnclosingClass(last, next)

		if sameContext && len(last.RawContent) < minChunkBytes &&
			len(last.RawContent)+len(next.RawContent) <= DefaultMaxChunkTokens*TokensPerChar {
			last.RawContent = last.RawContent + "\n\n" + next.RawContent
			last.Content = combineContextAndContent(last.Context, last.RawContent)
			last.EndLine = next.EndLine
			last.Symbols = append(last.Symbols, next.Symbols...)
			last.ID = contentHash(last.ContextHeader, last.RawContent)
			last.ContentHash = last.ID
			continue
		}
		merged = append(merged, next)
	}

	return merged
}

func sameKind(a, b *Chunk) bool {
	if len(a.Symbols) == 0 || len(b.Symbols) == 0 {
		return len(a.Symbols) == len(b.Symbols)
	}
	return a.Symbols[0].Type == b.Symbols[0].Type
}

func sameEnclosingClass(a, b *Chunk) bool {
	aClass, bClass := "", ""
	if len(a.Symbols) > 0 {
		aClass = a.Symbols[0].ClassName
	}
	if len(b.Symbols) > 0 {
		bClass = b.Symbols[0].ClassName
	}
	return aClass == bClass
}

// extractFileContext extracts package declaration and imports from a file
func (c *CodeChunker) extractFileContext(tree *Tree, source []byte, language string) string {
	var parts []string

	switch language {
	case "go":
		parts = c.extractGoContext(tree, source)
	case "typescript", "tsx":
		parts = c.extractTSContext(tree, source)
	case "javascript", "jsx":
		parts = c.extractJSContext(tree, source)
	case "python":
		parts = c.extractPythonContext(tree, source)
	}

	return strings.Join(parts, "\n\n")
}

func (c *CodeChunker) extractGoContext(tree *Tree, source []byte) []string {
	var parts []string

	// Find package clause
	for _, node := range tree.Root.Children {
		if node.Type == "package_clause" {
			parts = append(parts, node.GetContent(source))
			break
		}
	}

	// Find import declarations
	for _, node := range tree.Root.Children {
		if node.Type == "import_declaration" {
			parts = append(parts, node.GetContent(source))
		}
	}

	return parts
}

func (c *CodeChunker) extractTSContext(tree *Tree, source []byte) []string {
	return c.extractJSContext(tree, source) // Same for TS/TSX
}

func (c *CodeChunker) extractJSContext(tree *Tree, source []byte) []string {
	var parts []string

	// Find import statements
	for _, node := range tree.Root.Children {
		if node.Type == "import_statement" {
			parts = append(parts, node.GetContent(source))
		}
	}

	return parts
}

func (c *CodeChunker) extractPythonContext(tree *Tree, source []byte) []string {
	var parts []string

	// Find import statements
	for _, node := range tree.Root.Children {
		if node.Type == "import_statement" || node.Type == "import_from_statement" {
			parts = append(parts, node.GetContent(source))
		}
	}

	return parts
}

// chunkByLines is the fallback for unsupported languages: the whole file
// becomes a single module chunk, or (if oversize) line-split continuations.
func (c *CodeChunker) chunkByLines(file *FileInput) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	lines := strings.Split(content, "\n")
	linesPerChunk := 128 // ~512 tokens at 4 chars per token, 80 chars per line
	overlapLines := 16   // ~64 tokens overlap

	var chunks []*Chunk
	now := time.Now()

	for i := 0; i < len(lines); {
		end := i + linesPerChunk
		if end > len(lines) {
			end = len(lines)
		}
		end = preferBlankLineBoundary(lines, i, end)

		chunkContent := strings.Join(lines[i:end], "\n")
		startLine := i + 1 // 1-indexed
		endLine := end     // Inclusive
		continued := len(chunks) > 0

		header := buildContextHeader(file.Path, "", "", continued)
		chunk := &Chunk{
			ID:             contentHash(header, chunkContent),
			ContentHash:    contentHash(header, chunkContent),
			FilePath:       file.Path,
			Content:        chunkContent,
			RawContent:     chunkContent,
			Context:        "",
			ContextHeader:  header,
			IsContinuation: continued,
			ContentType:    ContentTypeText,
			Language:       file.Language,
			StartLine:      startLine,
			EndLine:        endLine,
			Symbols:        nil,
			Metadata:       make(map[string]string),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		chunks = append(chunks, chunk)

		// Move forward with overlap
		i = end - overlapLines
		if i <= 0 || end >= len(lines) {
			break
		}
	}

	return chunks, nil
}

// estimateTokens estimates the number of tokens in content
func estimateTokens(content string) int {
	return len(content) / TokensPerChar
}

// combineContextAndContent combines context and raw content into full content
func combineContextAndContent(context, rawContent string) string {
	if context == "" {
		return rawContent
	}
	return context + "\n\n" + rawContent
}

