package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"xtc/arena"
	"xtc/blocks"
	"xtc/book"
	"xtc/config"
	"xtc/font"
	"xtc/state"
	"xtc/storage"
	"xtc/task"
)

const appName = "xtc"

// initializeAppContext prepares application context before command execution
// but after command line has been parsed
func initializeAppContext(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	var err error

	if cmd.NArg() == 0 {
		// nothing to do, just return
		return ctx, nil
	}

	env := state.EnvFromContext(ctx)
	env.Store = storage.NewOS(cmd.String("root"))

	if env.Settings, err = config.Load(env.Store, cmd.String("config")); err != nil {
		return ctx, fmt.Errorf("unable to prepare configuration: %w", err)
	}
	if cmd.Bool("debug") {
		env.Settings.Logging.ConsoleLogger.Level = "debug"
	}
	if env.Log, err = env.Settings.Logging.Prepare(); err != nil {
		return ctx, fmt.Errorf("unable to prepare logs: %w", err)
	}
	env.RedirectStdLog()

	env.Log.Debug("Program started", zap.Strings("args", os.Args), zap.String("runtime", runtime.Version()))
	return ctx, nil
}

func destroyAppContext(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)

	if env.Log != nil {
		env.Log.Debug("Program ended", zap.Duration("elapsed", env.Uptime()), zap.Strings("parsed args", cmd.Args().Slice()))
	}
	env.RestoreStdLog()

	// remove empty panic file if any
	if dest := env.Settings.Logging.FileLogger.Destination; dest != "" {
		debug.SetCrashOutput(nil, debug.CrashOptions{})
		fname := filepath.Join(filepath.Dir(dest), appName+"-panic.log")
		if fi, err := os.Stat(fname); err == nil && fi.Size() == 0 {
			if err := os.Remove(fname); err != nil {
				return fmt.Errorf("unable to remove empty panic log file '%s': %w", fname, err)
			}
		}
	}
	return nil
}

// Ignore urfave/cli default error handling - cli.Exit() looks non-transparent
// and unnecessary. Subcommands return regular errors.
var errWasHandled bool

func exitErrHandler(ctx context.Context, _ *cli.Command, err error) {
	env := state.EnvFromContext(ctx)
	if env.Log != nil {
		env.Log.Error("Program ended with error", zap.Error(err))
		errWasHandled = true
	}
}

func usageErrorHandler(_ context.Context, _ *cli.Command, err error, _ bool) error {
	return err
}

func main() {

	ctx, stop := signal.NotifyContext(state.ContextWithEnv(context.Background()), os.Interrupt, syscall.SIGTERM)

	app := &cli.Command{
		Name:            appName,
		Usage:           "page renderer toolchain for e-ink reader books",
		HideHelpCommand: true,
		Before:          initializeAppContext,
		After:           destroyAppContext,
		OnUsageError:    usageErrorHandler,
		ExitErrHandler:  exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "root", Aliases: []string{"r"}, Value: ".", Usage: "treat `DIR` as the device storage root"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "settings.ini", Usage: "load settings from `FILE` (INI, path under the storage root)"},
			&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "verbose console logging"},
		},
		Commands: []*cli.Command{
			{
				Name:         "unpack",
				Usage:        "Extracts an EPUB into a book directory the reader can open",
				OnUsageError: usageErrorHandler,
				Action:       runUnpack,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "books", Usage: "library `DIR` under the storage root"},
					&cli.BoolFlag{Name: "no-cover", Usage: "skip cover thumbnail generation"},
				},
				ArgsUsage: "EPUB",
			},
			{
				Name:         "paginate",
				Usage:        "Builds page caches for every chapter of an unpacked book",
				OnUsageError: usageErrorHandler,
				Action:       runPaginate,
				Flags:        append(renderFlags(), &cli.BoolFlag{Name: "rebuild", Usage: "drop existing caches first"}),
				ArgsUsage:    "BOOK_DIR",
			},
			{
				Name:         "dump",
				Usage:        "Prints the laid-out pages of a chapter as text",
				OnUsageError: usageErrorHandler,
				Action:       runDump,
				Flags: append(renderFlags(),
					&cli.IntFlag{Name: "chapter", Value: 0, Usage: "chapter `INDEX` to dump"},
					&cli.BoolFlag{Name: "anchors", Usage: "also print the anchor map"},
				),
				ArgsUsage: "BOOK_DIR",
			},
		},
	}

	var err error
	// NOTE: os.Exit is called at the end of main to set exit code, make sure
	// there are no other deferred functions after that
	defer func() {
		stop()
		if err != nil {
			if !errWasHandled {
				fmt.Fprintf(os.Stderr, "Program ended with error: %v\n", err)
			}
			os.Exit(1)
		}
	}()
	err = app.Run(ctx, os.Args)
}

func renderFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "font", Aliases: []string{"f"}, Value: "fonts/default.epdf", Usage: "EPDF font `FILE` under the storage root"},
		&cli.IntFlag{Name: "width", Value: 480, Usage: "panel width in pixels"},
		&cli.IntFlag{Name: "height", Value: 800, Usage: "panel height in pixels"},
	}
}

func runUnpack(ctx context.Context, cmd *cli.Command) error {
	env := state.EnvFromContext(ctx)
	if cmd.Args().Len() == 0 {
		return errors.New("no EPUB file specified")
	}
	src := cmd.Args().Get(0)

	res, err := book.Unpack(env.Store, src, cmd.String("out"), env.Log)
	if err != nil {
		return err
	}
	if cmd.Bool("no-cover") {
		return nil
	}
	b, err := book.Open(env.Store, res.Dir, env.Log)
	if err != nil {
		return err
	}
	if err := b.EnsureCover(); err != nil {
		// thumbnail is cosmetic, the unpack itself succeeded
		env.Log.Warn("Cover thumbnail not generated", zap.Error(err))
	}
	return nil
}

// openForRender loads the book, the font family and the paginator shared by
// paginate and dump.
func openForRender(ctx context.Context, cmd *cli.Command) (*state.LocalEnv, *book.Book, *book.Paginator, func(), error) {
	env := state.EnvFromContext(ctx)
	if cmd.Args().Len() == 0 {
		return nil, nil, nil, nil, errors.New("no book directory specified")
	}

	b, err := book.Open(env.Store, cmd.Args().Get(0), env.Log)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	regular, err := font.Load(env.Store, cmd.String("font"), env.Settings.Reader.FontID, env.Log)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("font: %w", err)
	}
	fam := font.NewFamily(regular)

	ar := arena.New(env.Log)
	ar.Init()

	cleanup := func() {
		ar.Release()
		fam.Close()
	}
	pg := book.NewPaginator(b, fam, env.Settings, int(cmd.Int("width")), int(cmd.Int("height")), ar, env.Log)
	return env, b, pg, cleanup, nil
}

func runPaginate(ctx context.Context, cmd *cli.Command) error {
	env, b, pg, cleanup, err := openForRender(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	if cmd.Bool("rebuild") {
		for i := 0; i < b.ChapterCount(); i++ {
			if err := pg.InvalidateChapter(i); err != nil {
				return fmt.Errorf("drop cache for chapter %d: %w", i, err)
			}
		}
	}

	bg := task.New(env.Log)
	bg.Start("paginate", func() error {
		total := 0
		for i := 0; i < b.ChapterCount(); i++ {
			if bg.ShouldStop() {
				env.Log.Info("Pagination interrupted", zap.Int("chapters_done", i))
				return nil
			}
			c, err := pg.PaginateAll(i, bg.AbortFunc())
			if err != nil {
				return fmt.Errorf("chapter %d: %w", i, err)
			}
			total += c.PageCount()
			env.Log.Info("Chapter paginated", zap.Int("chapter", i), zap.Int("pages", c.PageCount()))
		}
		env.Log.Info("Book paginated", zap.Int("chapters", b.ChapterCount()), zap.Int("pages", total))
		return nil
	})

	go func() {
		<-ctx.Done()
		bg.Stop(10 * time.Second)
	}()
	bg.Wait()
	return bg.Err()
}

func runDump(ctx context.Context, cmd *cli.Command) error {
	env, b, pg, cleanup, err := openForRender(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	chapter := int(cmd.Int("chapter"))
	if chapter < 0 || chapter >= b.ChapterCount() {
		return fmt.Errorf("chapter %d out of range (book has %d)", chapter, b.ChapterCount())
	}

	c, err := pg.PaginateAll(chapter, nil)
	if err != nil {
		return err
	}
	env.Log.Info("Dumping chapter", zap.Int("chapter", chapter), zap.Int("pages", c.PageCount()))

	for i := 0; i < c.PageCount(); i++ {
		page, err := c.OpenPage(i)
		if err != nil {
			return fmt.Errorf("page %d: %w", i, err)
		}
		fmt.Printf("--- page %d ---\n", i)
		printPage(page)
	}

	if cmd.Bool("anchors") {
		for _, a := range c.Anchors() {
			fmt.Printf("anchor %-24s -> page %d\n", a.ID, a.Page)
		}
	}
	return nil
}

func printPage(page *blocks.Page) {
	for _, el := range page.Elements {
		switch {
		case el.Text != nil:
			line := ""
			for _, w := range el.Text.Words {
				if line != "" {
					line += " "
				}
				line += w.Text
			}
			fmt.Printf("%4d | %s\n", el.Y, line)
		case el.Image != nil:
			fmt.Printf("%4d | [image %s %dx%d]\n", el.Y, el.Image.Path, el.Image.Width, el.Image.Height)
		}
	}
}
