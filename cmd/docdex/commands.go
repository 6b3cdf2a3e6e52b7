package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/docdex/internal/config"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.pdf>",
	Short: "Ingest a PDF into the document index",
	Long: `Ingest a PDF into the document index.

Examples:
  docdex ingest ./report.pdf
  docdex ingest ./invoice.pdf --type invoice --skip-existing
  docdex ingest ./large.pdf --async`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docType, _ := cmd.Flags().GetString("type")
		promptConfigID, _ := cmd.Flags().GetString("prompt-config")
		customPrompt, _ := cmd.Flags().GetString("custom-prompt")
		skipExisting, _ := cmd.Flags().GetBool("skip-existing")
		async, _ := cmd.Flags().GetBool("async")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"filename":      filepath.Base(args[0]),
			"content":       base64.StdEncoding.EncodeToString(data),
			"doc_type":      docType,
			"skip_existing": skipExisting,
			"async":         async,
		}
		if promptConfigID != "" {
			req["prompt_config_id"] = promptConfigID
		}
		if customPrompt != "" {
			req["custom_prompt"] = customPrompt
		}

		if !async {
			printStep("Ingesting %s...", filepath.Base(args[0]))
		}
		resp, err := client.post(cmd.Context(), "/documents", req)
		if err != nil {
			return err
		}

		if async {
			var queued struct {
				JobID  string `json:"job_id"`
				Status string `json:"status"`
			}
			if err := decodeJSON(resp, &queued); err != nil {
				return err
			}
			printSuccess("Queued job %s", queued.JobID)
			return nil
		}

		var result struct {
			DocumentID       string   `json:"document_id"`
			Status           string   `json:"status"`
			ChunkCount       int      `json:"chunk_count"`
			BatchCount       int      `json:"batch_count"`
			FailedBatchCount int      `json:"failed_batch_count"`
			ProcessingMs     int64    `json:"processing_ms"`
			Warnings         []string `json:"warnings"`
			SkippedExisting  bool     `json:"skipped_existing"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.SkippedExisting {
			printSuccess("Document already ingested: %s", result.DocumentID)
			return nil
		}

		for _, w := range result.Warnings {
			printWarning("%s", w)
		}
		switch result.Status {
		case "completed":
			printSuccess("Ingested %s: %d chunks from %d batches (%.1fs)",
				result.DocumentID, result.ChunkCount, result.BatchCount, float64(result.ProcessingMs)/1000)
		case "partial":
			printWarning("Partially ingested %s: %d chunks, %d of %d batches failed",
				result.DocumentID, result.ChunkCount, result.FailedBatchCount, result.BatchCount)
		default:
			printError("Ingest of %s finished with status %s", result.DocumentID, result.Status)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("type", "", "document type (selects the extraction prompt)")
	ingestCmd.Flags().String("prompt-config", "", "explicit prompt config ID")
	ingestCmd.Flags().String("custom-prompt", "", "one-off extraction instructions")
	ingestCmd.Flags().Bool("skip-existing", false, "return the existing document if this file was already ingested")
	ingestCmd.Flags().Bool("async", false, "queue the ingest for the background worker")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the document index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		mode, _ := cmd.Flags().GetString("mode")
		limit, _ := cmd.Flags().GetInt("limit")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		documents, _ := cmd.Flags().GetStringSlice("document")
		types, _ := cmd.Flags().GetStringSlice("chunk-type")
		includeHeadings, _ := cmd.Flags().GetBool("include-headings")
		rerank, _ := cmd.Flags().GetBool("rerank")
		candidates, _ := cmd.Flags().GetInt("rerank-candidates")
		asJSON, _ := cmd.Flags().GetBool("json")

		req := map[string]any{
			"query": query,
		}
		if mode != "" {
			req["mode"] = mode
		}
		if limit > 0 {
			req["limit"] = limit
		}
		if minScore > 0 {
			req["min_score"] = minScore
		}
		if len(documents) > 0 {
			req["document_ids"] = documents
		}
		if len(types) > 0 {
			req["types"] = types
		}
		if includeHeadings {
			req["include_headings"] = true
		}
		if rerank {
			req["rerank"] = map[string]any{
				"enabled":    true,
				"candidates": candidates,
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/search", req)
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				Chunk struct {
					ID         string `json:"id"`
					DocumentID string `json:"document_id"`
					PageStart  int    `json:"page_start"`
					PageEnd    int    `json:"page_end"`
					Type       string `json:"type"`
					Content    string `json:"content"`
				} `json:"chunk"`
				Score       float64 `json:"score"`
				Explanation string  `json:"explanation"`
			} `json:"results"`
			Mode     string   `json:"mode"`
			Reranked bool     `json:"reranked"`
			Warnings []string `json:"warnings"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if asJSON {
			return printJSON(result)
		}

		for _, w := range result.Warnings {
			printWarning("%s", w)
		}
		if len(result.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		label := result.Mode
		if result.Reranked {
			label += ", reranked"
		}
		for i, r := range result.Results {
			pages := fmt.Sprintf("p.%d", r.Chunk.PageStart)
			if r.Chunk.PageEnd > r.Chunk.PageStart {
				pages = fmt.Sprintf("p.%d-%d", r.Chunk.PageStart, r.Chunk.PageEnd)
			}
			fmt.Printf("\n%s [%s, %s, score %.3f]\n",
				colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Chunk.Type, pages, r.Score)
			fmt.Printf("  %s  doc %s\n", colorize(colorCyan, r.Chunk.ID[:8]), r.Chunk.DocumentID[:8])
			fmt.Printf("  %s\n", truncate(r.Chunk.Content, 500))
		}
		fmt.Printf("\n%d results (%s)\n", len(result.Results), label)
		return nil
	},
}

func init() {
	searchCmd.Flags().String("mode", "", "search mode: semantic, keyword, or hybrid (default)")
	searchCmd.Flags().Int("limit", 0, "maximum number of results")
	searchCmd.Flags().Float64("min-score", 0, "minimum score threshold")
	searchCmd.Flags().StringSlice("document", nil, "restrict to document IDs")
	searchCmd.Flags().StringSlice("chunk-type", nil, "restrict to chunk types")
	searchCmd.Flags().Bool("include-headings", false, "include structural heading chunks")
	searchCmd.Flags().Bool("rerank", false, "enable second-pass reranking")
	searchCmd.Flags().Int("rerank-candidates", 0, "candidate pool size for reranking")
	searchCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage ingested documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit))
		if err != nil {
			return err
		}

		var docs []struct {
			ID            string `json:"id"`
			Filename      string `json:"filename"`
			DocType       string `json:"doc_type"`
			PageCount     int    `json:"page_count"`
			Status        string `json:"status"`
			FailedBatches int    `json:"failed_batches"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, d := range docs {
			status := d.Status
			if d.FailedBatches > 0 {
				status = fmt.Sprintf("%s (%d failed batches)", d.Status, d.FailedBatches)
			}
			fmt.Printf("%s  %-10s  %3dp  %-30s  %s\n",
				colorize(colorCyan, d.ID[:8]), status, d.PageCount, truncate(d.Filename, 30), d.DocType)
		}
		return nil
	},
}

var documentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one document with its batch breakdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}
		return printJSON(doc)
	},
}

var documentsChunksCmd = &cobra.Command{
	Use:   "chunks <id>",
	Short: "List a document's chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/documents/%s/chunks?limit=%d", url.PathEscape(args[0]), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var chunks []struct {
			ID        string `json:"id"`
			Type      string `json:"type"`
			PageStart int    `json:"page_start"`
			PageEnd   int    `json:"page_end"`
			Content   string `json:"content"`
		}
		if err := decodeJSON(resp, &chunks); err != nil {
			return err
		}

		if len(chunks) == 0 {
			fmt.Println("No chunks found.")
			return nil
		}

		for _, c := range chunks {
			fmt.Printf("%s  %-10s  p.%d-%d  %s\n",
				colorize(colorCyan, c.ID[:8]), c.Type, c.PageStart, c.PageEnd, truncate(c.Content, 80))
		}
		return nil
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and all its chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the document and every chunk extracted from it. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 50, "maximum number of documents to list")
	documentsChunksCmd.Flags().Int("limit", 100, "maximum number of chunks to list")
	documentsDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsShowCmd)
	documentsCmd.AddCommand(documentsChunksCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}

// --- prompt-configs ---

var promptConfigsCmd = &cobra.Command{
	Use:   "prompt-configs",
	Short: "Manage extraction prompt configurations",
}

var promptConfigsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List prompt configurations",
	RunE: func(cmd *cobra.Command, args []string) error {
		docType, _ := cmd.Flags().GetString("type")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/prompt-configs"
		if docType != "" {
			path += "?doc_type=" + url.QueryEscape(docType)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var configs []struct {
			ID          string `json:"id"`
			DocType     string `json:"doc_type"`
			DisplayName string `json:"display_name"`
			Version     int    `json:"version"`
			IsActive    bool   `json:"is_active"`
			IsDefault   bool   `json:"is_default"`
		}
		if err := decodeJSON(resp, &configs); err != nil {
			return err
		}

		if len(configs) == 0 {
			fmt.Println("No prompt configs found.")
			return nil
		}

		for _, c := range configs {
			var marks []string
			if c.IsActive {
				marks = append(marks, "active")
			}
			if c.IsDefault {
				marks = append(marks, "default")
			}
			suffix := ""
			if len(marks) > 0 {
				suffix = " [" + strings.Join(marks, ",") + "]"
			}
			fmt.Printf("%s  v%-3d  %-20s  %s%s\n",
				colorize(colorCyan, c.ID[:8]), c.Version, c.DocType, c.DisplayName, suffix)
		}
		return nil
	},
}

var promptConfigsCreateCmd = &cobra.Command{
	Use:     "add",
	Aliases: []string{"create"},
	Short:   "Create a new prompt configuration version",
	RunE: func(cmd *cobra.Command, args []string) error {
		docType, _ := cmd.Flags().GetString("type")
		name, _ := cmd.Flags().GetString("name")
		instructions, _ := cmd.Flags().GetString("instructions")
		instructionsFile, _ := cmd.Flags().GetString("instructions-file")
		strategy, _ := cmd.Flags().GetString("strategy")
		activate, _ := cmd.Flags().GetBool("activate")

		if docType == "" {
			return fmt.Errorf("--type is required")
		}
		if instructions == "" && instructionsFile == "" {
			return fmt.Errorf("one of --instructions or --instructions-file is required")
		}
		if instructionsFile != "" {
			data, err := os.ReadFile(instructionsFile)
			if err != nil {
				return fmt.Errorf("reading instructions file: %w", err)
			}
			instructions = string(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"doc_type":       docType,
			"display_name":   name,
			"instructions":   instructions,
			"chunk_strategy": strategy,
			"activate":       activate,
		}
		resp, err := client.post(cmd.Context(), "/prompt-configs", req)
		if err != nil {
			return err
		}

		var created struct {
			ID      string `json:"id"`
			Version int    `json:"version"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Created prompt config %s (v%d)", created.ID, created.Version)
		return nil
	},
}

var promptConfigsActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Make a prompt config the active default for its document type",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/prompt-configs/"+url.PathEscape(args[0])+"/activate", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Activated prompt config %s", args[0])
		return nil
	},
}

func init() {
	promptConfigsListCmd.Flags().String("type", "", "filter by document type")
	promptConfigsCreateCmd.Flags().String("type", "", "document type the config applies to")
	promptConfigsCreateCmd.Flags().String("name", "", "display name")
	promptConfigsCreateCmd.Flags().String("instructions", "", "extraction instructions")
	promptConfigsCreateCmd.Flags().String("instructions-file", "", "read extraction instructions from a file")
	promptConfigsCreateCmd.Flags().String("strategy", "", "chunking strategy hint")
	promptConfigsCreateCmd.Flags().Bool("activate", false, "activate this config as the default immediately")
	promptConfigsCmd.AddCommand(promptConfigsListCmd)
	promptConfigsCmd.AddCommand(promptConfigsCreateCmd)
	promptConfigsCmd.AddCommand(promptConfigsActivateCmd)
}

// --- discover ---

var discoverCmd = &cobra.Command{
	Use:   "discover <file.pdf>",
	Short: "Draft a prompt config from a sample document",
	Long: `Draft a prompt config from a sample document.

The model reads the opening pages and proposes a document type with
extraction instructions. Review the proposal, then approve it:

  docdex discover ./sample.pdf
  docdex discover approve <session-id>`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Analyzing %s...", filepath.Base(args[0]))
		req := map[string]any{
			"filename": filepath.Base(args[0]),
			"content":  base64.StdEncoding.EncodeToString(data),
		}
		resp, err := client.post(cmd.Context(), "/discovery", req)
		if err != nil {
			return err
		}

		var sess struct {
			SessionID string `json:"session_id"`
			Proposal  struct {
				DocType       string `json:"doc_type"`
				DisplayName   string `json:"display_name"`
				Instructions  string `json:"instructions"`
				ChunkStrategy string `json:"chunk_strategy"`
			} `json:"proposal"`
			Warnings  []string `json:"warnings"`
			ExpiresAt string   `json:"expires_at"`
		}
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}

		for _, w := range sess.Warnings {
			printWarning("%s", w)
		}
		printStatus("Doc type", "%s", sess.Proposal.DocType)
		printStatus("Name", "%s", sess.Proposal.DisplayName)
		printStatus("Strategy", "%s", sess.Proposal.ChunkStrategy)
		printStatus("Instructions", "%s", truncate(sess.Proposal.Instructions, 200))
		printStatus("Expires", "%s", sess.ExpiresAt)
		fmt.Printf("\nTo approve: docdex discover approve %s\n", sess.SessionID)
		return nil
	},
}

var discoverApproveCmd = &cobra.Command{
	Use:   "approve <session-id>",
	Short: "Approve a discovery proposal into a stored prompt config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/discovery/"+url.PathEscape(args[0])+"/approve", nil)
		if err != nil {
			return err
		}

		var created struct {
			ID      string `json:"id"`
			DocType string `json:"doc_type"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}

		printSuccess("Approved: prompt config %s for doc type %s", created.ID, created.DocType)
		return nil
	},
}

func init() {
	discoverCmd.AddCommand(discoverApproveCmd)
}

// --- reembed ---

var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Re-embed every chunk with the current embedding provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This re-embeds the whole corpus and may take a while. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Re-embedding corpus...")
		resp, err := client.post(cmd.Context(), "/admin/reembed", nil)
		if err != nil {
			return err
		}

		var result struct {
			ChunkCount int `json:"chunk_count"`
			BatchCount int `json:"batch_count"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Re-embedded %d chunks in %d batches", result.ChunkCount, result.BatchCount)
		return nil
	},
}

func init() {
	reembedCmd.Flags().Bool("confirm", false, "confirm the re-embedding run")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
