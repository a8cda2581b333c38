package main

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pepperpark/mailshift/internal/connect"
	"github.com/pepperpark/mailshift/internal/mailstore"
	"github.com/pepperpark/mailshift/internal/resolver"
	"github.com/pepperpark/mailshift/internal/syncer"
)

// copy command options
type copyOptions struct {
	// IMAP source
	srcHost       string
	srcPort       int
	srcUser       string
	srcPass       string
	srcPassPrompt bool
	// MBOX source
	mboxPath string
	dstMbox  string // destination folder for a single-file MBOX source

	// Destination IMAP
	dstHost       string
	dstPort       int
	dstUser       string
	dstPass       string
	dstPassPrompt bool
	// MBOX destination
	dstMboxPath string

	insecure    bool
	startTLS    bool
	include     string
	exclude     string
	since       string
	dryRun      bool
	concurrency int
	skipSpecial bool
	skipTrash   bool
	skipJunk    bool
	skipDrafts  bool
	skipSent    bool
	mapPairs    []string
	smartMap    bool
	id          string
	yes         bool
	noTUI       bool
}

func newCopyCmd() *cobra.Command {
	o := &copyOptions{}
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy every folder from an IMAP account or MBOX archive to another one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCopy(cmd, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.srcHost, "src-host", "", "Source IMAP host")
	f.IntVar(&o.srcPort, "src-port", 993, "Source IMAP port")
	f.StringVar(&o.srcUser, "src-user", "", "Source IMAP username")
	f.StringVar(&o.srcPass, "src-pass", "", "Source IMAP password")
	f.BoolVar(&o.srcPassPrompt, "src-pass-prompt", false, "Prompt for source IMAP password (no echo)")
	// MBOX
	f.StringVar(&o.mboxPath, "mbox", "", "Read from a local MBOX file or directory instead of source IMAP")
	f.StringVar(&o.dstMbox, "dst-mailbox", "", "Destination folder for a single-file --mbox source (default INBOX)")

	f.StringVar(&o.dstHost, "dst-host", "", "Destination IMAP host")
	f.IntVar(&o.dstPort, "dst-port", 993, "Destination IMAP port")
	f.StringVar(&o.dstUser, "dst-user", "", "Destination IMAP username")
	f.StringVar(&o.dstPass, "dst-pass", "", "Destination IMAP password")
	f.BoolVar(&o.dstPassPrompt, "dst-pass-prompt", false, "Prompt for destination IMAP password (no echo)")
	f.StringVar(&o.dstMboxPath, "dst-mbox", "", "Write to a local MBOX file or directory instead of destination IMAP")

	f.BoolVar(&o.insecure, "insecure", false, "Skip TLS verification")
	f.BoolVar(&o.startTLS, "starttls", false, "Use STARTTLS instead of implicit TLS")
	f.StringVar(&o.include, "include", "", "Regex of folders to include")
	f.StringVar(&o.exclude, "exclude", "", "Regex of folders to exclude")
	f.StringVar(&o.since, "since", "", "Only copy messages with INTERNALDATE >= since (YYYY-MM-DD)")
	f.BoolVar(&o.dryRun, "dry-run", false, "Don't actually copy, just list actions")
	f.IntVar(&o.concurrency, "concurrency", 2, "Messages transferred in parallel per folder")

	f.BoolVar(&o.skipSpecial, "skip-special", false, "Skip common special folders like Trash/Junk/Drafts/Sent")
	f.BoolVar(&o.skipTrash, "skip-trash", false, "Skip Trash folders")
	f.BoolVar(&o.skipJunk, "skip-junk", false, "Skip Junk/Spam folders")
	f.BoolVar(&o.skipDrafts, "skip-drafts", false, "Skip Drafts folders")
	f.BoolVar(&o.skipSent, "skip-sent", false, "Skip Sent folders")
	f.StringArrayVar(&o.mapPairs, "map", nil, "Folder mapping src=dst (can be repeated)")
	f.BoolVar(&o.smartMap, "smart-map", false, "Map Sent/Trash/Drafts/Spam onto the destination's own names")
	f.StringVar(&o.id, "id", "", "Job id (default: random UUID)")
	f.BoolVarP(&o.yes, "yes", "y", false, "Start without asking for confirmation")
	f.BoolVar(&o.noTUI, "no-tui", false, "Print events line by line instead of the progress UI")
	return cmd
}

func runCopy(cmd *cobra.Command, o *copyOptions) error {
	// Prompt passwords if requested
	if o.srcPassPrompt && o.srcPass == "" {
		p, err := promptPassword("Source password: ")
		if err != nil {
			return fmt.Errorf("read source password: %w", err)
		}
		o.srcPass = p
	}
	if o.dstPassPrompt && o.dstPass == "" {
		p, err := promptPassword("Destination password: ")
		if err != nil {
			return fmt.Errorf("read destination password: %w", err)
		}
		o.dstPass = p
	}

	src, dst, err := o.endpoints()
	if err != nil {
		return err
	}
	cfg := syncer.Config{
		ID:          o.id,
		Source:      src,
		Destination: dst,
		Concurrency: o.concurrency,
		DryRun:      o.dryRun,
		SmartMap:    o.smartMap,
	}
	if o.since != "" {
		cfg.Since, err = time.Parse("2006-01-02", o.since)
		if err != nil {
			return fmt.Errorf("invalid --since date: %w (expected YYYY-MM-DD)", err)
		}
	}
	cfg.Map, err = parseMappings(o.mapPairs)
	if err != nil {
		return err
	}
	if o.mboxPath != "" && o.dstMbox != "" {
		cfg.Map[mailstore.DefaultFolder] = o.dstMbox
	}
	cfg.Exclude = o.skipFolders()

	a, err := newApp(cmd.Context(), configFrom(cmd))
	if err != nil {
		return err
	}
	if o.include != "" || o.exclude != "" {
		excluded, err := o.regexExclusions(cmd, a, src)
		if err != nil {
			return err
		}
		cfg.Exclude = append(cfg.Exclude, excluded...)
	}

	if !o.yes && !o.dryRun && term.IsTerminal(int(os.Stdin.Fd())) {
		ok, err := runConfirmTUI("Start migration?", o.summary(cfg))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
	}

	job, sub, err := a.manager.Start(cfg)
	if err != nil {
		return err
	}
	stop := func() bool { return a.manager.Stop(job.ID) }
	if o.noTUI || !term.IsTerminal(int(os.Stdout.Fd())) {
		printEvents(os.Stdout, sub)
	} else if err := runTUI(job, sub, stop); err != nil {
		fmt.Println("TUI failed:", err)
		printEvents(os.Stdout, sub)
	}
	sub.Close()
	<-job.Done()
	a.manager.Wait()

	p := job.Progress()
	fmt.Printf("\nJob %s %s: %d synced, %d failed, %s in %s\n",
		job.ID, job.Status(), p.Processed, p.Failed, humanBytes(p.Bytes),
		job.Finished().Sub(job.Started()).Round(time.Second))
	fmt.Printf("Full log: mailshift logs %s\n", job.ID)
	if job.Status() == syncer.StatusFailed {
		return fmt.Errorf("job %s failed", job.ID)
	}
	return nil
}

func (o *copyOptions) endpoints() (mailstore.Endpoint, mailstore.Endpoint, error) {
	src := mailstore.Endpoint{
		Host: o.srcHost, Port: o.srcPort, User: o.srcUser, Password: o.srcPass,
		TLS: !o.startTLS, StartTLS: o.startTLS, InsecureSkipVerify: o.insecure,
		Mbox: o.mboxPath,
	}
	dst := mailstore.Endpoint{
		Host: o.dstHost, Port: o.dstPort, User: o.dstUser, Password: o.dstPass,
		TLS: !o.startTLS, StartTLS: o.startTLS, InsecureSkipVerify: o.insecure,
		Mbox: o.dstMboxPath,
	}
	if o.mboxPath == "" && (o.srcHost == "" || o.srcUser == "" || o.srcPass == "") {
		return src, dst, fmt.Errorf("missing required flags: --src-host, --src-user, --src-pass (or --mbox)")
	}
	if o.dstMboxPath == "" && (o.dstHost == "" || o.dstUser == "" || o.dstPass == "") {
		return src, dst, fmt.Errorf("missing required flags: --dst-host, --dst-user, --dst-pass (or --dst-mbox)")
	}
	return src, dst, nil
}

func (o *copyOptions) skipFolders() []string {
	var out []string
	add := func(on bool, role resolver.Role) {
		if o.skipSpecial || on {
			out = append(out, resolver.RoleVariants(role)...)
		}
	}
	add(o.skipTrash, resolver.RoleTrash)
	add(o.skipJunk, resolver.RoleSpam)
	add(o.skipDrafts, resolver.RoleDrafts)
	add(o.skipSent, resolver.RoleSent)
	return out
}

// regexExclusions lists the source folders and returns those the
// --include/--exclude expressions rule out.
func (o *copyOptions) regexExclusions(cmd *cobra.Command, a *app, src mailstore.Endpoint) ([]string, error) {
	var includeRe, excludeRe *regexp.Regexp
	var err error
	if o.include != "" {
		if includeRe, err = regexp.Compile(o.include); err != nil {
			return nil, fmt.Errorf("invalid --include regex: %w", err)
		}
	}
	if o.exclude != "" {
		if excludeRe, err = regexp.Compile(o.exclude); err != nil {
			return nil, fmt.Errorf("invalid --exclude regex: %w", err)
		}
	}
	folders, err := connect.Test(cmd.Context(), a.dial, src)
	if err != nil {
		return nil, fmt.Errorf("list source folders: %w", err)
	}
	return regexExclude(folders, includeRe, excludeRe), nil
}

func regexExclude(folders []string, includeRe, excludeRe *regexp.Regexp) []string {
	var out []string
	for _, f := range folders {
		if includeRe != nil && !includeRe.MatchString(f) {
			out = append(out, f)
			continue
		}
		if excludeRe != nil && excludeRe.MatchString(f) {
			out = append(out, f)
		}
	}
	return out
}

func (o *copyOptions) summary(cfg syncer.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From:  %s\n", cfg.Source)
	fmt.Fprintf(&b, "To:    %s\n", cfg.Destination)
	if !cfg.Since.IsZero() {
		fmt.Fprintf(&b, "Since: %s\n", cfg.Since.Format("2006-01-02"))
	}
	if len(cfg.Exclude) > 0 {
		fmt.Fprintf(&b, "Skip:  %s\n", strings.Join(cfg.Exclude, ", "))
	}
	if len(cfg.Map) > 0 {
		keys := make([]string, 0, len(cfg.Map))
		for k := range cfg.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "Map:   %s -> %s\n", k, cfg.Map[k])
		}
	}
	if cfg.SmartMap {
		b.WriteString("Smart map: on\n")
	}
	fmt.Fprintf(&b, "Concurrency: %d", cfg.Concurrency)
	return b.String()
}

// parseMappings converts `src=dst` pairs into a map
func parseMappings(pairs []string) (map[string]string, error) {
	m := make(map[string]string, len(pairs))
	for _, p := range pairs {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid --map value (expected src=dst): %s", p)
		}
		m[parts[0]] = parts[1]
	}
	return m, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
