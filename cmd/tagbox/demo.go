package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/kode4food/tagbox"
	"github.com/kode4food/tagbox/bolt"
	"github.com/kode4food/tagbox/examples/enrollment"
	"github.com/kode4food/tagbox/postgres"
	"github.com/kode4food/tagbox/redis"
	"github.com/kode4food/tagbox/sqlite"
)

type backend struct {
	store tagbox.EventStore
	opts  []tagbox.Option
	close []func() error
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the enrollment scenario against a store",
	Long: `Creates classrooms and students, enrolls them concurrently so
that reservations conflict and retry, then prints the resulting tag states
and the student list projection.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		b, err := openBackend(ctx, logger)
		if err != nil {
			return err
		}
		defer b.Close()

		opts := append([]tagbox.Option{tagbox.WithLogger(logger)}, b.opts...)
		tb := tagbox.NewTagbox(b.store, cfg, opts...)
		defer func() { _ = tb.Close() }()

		err = runDemo(ctx, cmd.OutOrStdout(), tb, viper.GetInt("students"))
		if viper.GetBool("metrics") {
			tagbox.WriteMetrics(cmd.OutOrStdout())
		}
		return err
	},
}

func init() {
	demoCmd.Flags().String("store", "memory",
		"event store (memory, redis, sqlite, postgres)",
	)
	demoCmd.Flags().String("sqlite-path", ":memory:",
		"SQLite database path",
	)
	demoCmd.Flags().String("postgres-dsn", "",
		"PostgreSQL connection string",
	)
	demoCmd.Flags().String("blob-path", "",
		"bbolt file for offloaded projection snapshots",
	)
	demoCmd.Flags().Int("students", 8, "number of students to enroll")
	demoCmd.Flags().Duration("safe-window", 0, "projection safe window")
	demoCmd.Flags().Int("offload-threshold", 0,
		"snapshot size in bytes above which snapshots are offloaded",
	)
}

func openBackend(ctx context.Context, logger *zap.Logger) (*backend, error) {
	b := &backend{}
	switch name := viper.GetString("store"); name {
	case "memory":
		b.store = tagbox.NewMemoryStore()
	case "redis":
		cfg := redis.DefaultConfig()
		err := env.ParseWithOptions(&cfg, env.Options{Prefix: "TAGBOX_REDIS_"})
		if err != nil {
			return nil, err
		}
		s, err := redis.NewStore(ctx, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		b.store = s
		b.opts = append(b.opts, tagbox.WithTagStateCache(s.TagStateCache()))
		b.close = append(b.close, s.Close)
	case "sqlite":
		s, err := sqlite.Open(viper.GetString("sqlite-path"))
		if err != nil {
			return nil, err
		}
		b.store = s
		b.close = append(b.close, s.Close)
	case "postgres":
		s, err := postgres.Open(ctx, viper.GetString("postgres-dsn"))
		if err != nil {
			return nil, err
		}
		b.store = s
		b.close = append(b.close, s.Close)
	default:
		return nil, fmt.Errorf("unknown store: %s", name)
	}

	if path := viper.GetString("blob-path"); path != "" {
		bs, err := bolt.Open(path)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.opts = append(b.opts, tagbox.WithBlobStore(bs))
		b.close = append(b.close, bs.Close)
	}
	return b, nil
}

func (b *backend) Close() {
	for _, fn := range slices.Backward(b.close) {
		if err := fn(); err != nil {
			fmt.Fprintln(os.Stderr, "close:", err)
		}
	}
}

func runDemo(
	ctx context.Context, out io.Writer, tb *tagbox.Tagbox, students int,
) error {
	enrollment.Register(tb)
	exec := tagbox.NewExecutor(tb)

	list, err := tagbox.MultiProjection(tb, enrollment.StudentListProjector)
	if err != nil {
		return err
	}
	sub, err := tagbox.NewEventProvider(tb).StartWithActor(
		ctx, list, 0, enrollment.StudentListProjector.Filter(),
	)
	if err != nil {
		return err
	}
	defer sub.Stop()

	rooms := []string{"math", "physics"}
	for _, id := range rooms {
		_, err := tagbox.ExecRetry(ctx, exec,
			enrollment.CreateClassRoom{ClassRoomID: id, Name: id, MaxStudents: 3},
			enrollment.HandleCreateClassRoom,
		)
		if err != nil && !errors.Is(err, enrollment.ErrClassRoomExists) {
			return err
		}
	}

	for i := range students {
		id := fmt.Sprintf("s%d", i+1)
		_, err := tagbox.ExecRetry(ctx, exec,
			enrollment.CreateStudent{StudentID: id, Name: "Student " + id},
			enrollment.HandleCreateStudent,
		)
		if err != nil && !errors.Is(err, enrollment.ErrStudentExists) {
			return err
		}
	}

	results := make(chan error, students*len(rooms))
	for i := range students {
		for _, room := range rooms {
			go func() {
				_, err := tagbox.ExecRetry(ctx, exec,
					enrollment.EnrollStudent{
						StudentID:   fmt.Sprintf("s%d", i+1),
						ClassRoomID: room,
					},
					enrollment.HandleEnrollStudent,
				)
				results <- err
			}()
		}
	}

	var enrolled, refused, gaveUp int
	for range students * len(rooms) {
		switch err := <-results; {
		case err == nil:
			enrolled++
		case errors.Is(err, enrollment.ErrClassRoomFull),
			errors.Is(err, enrollment.ErrAlreadyEnrolled):
			refused++
		case errors.Is(err, tagbox.ErrMaxRetriesExceeded):
			gaveUp++
		default:
			return err
		}
	}
	fmt.Fprintf(out, "enrollments: %d accepted, %d refused, %d gave up\n",
		enrolled, refused, gaveUp,
	)

	for _, id := range rooms {
		st, err := tb.SerializableTagState(
			ctx, enrollment.ClassRoomTag(id), enrollment.ClassRoomProjector.Name,
		)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s:%s v%d %s\n",
			st.TagGroup, st.TagContent, st.Version, st.Payload,
		)
	}

	if err := sub.WaitForCatchUp(ctx, 10*time.Second); err != nil {
		return err
	}
	if err := sub.WaitForCurrentBatch(ctx); err != nil {
		return err
	}
	state, err := list.GetUnsafeState()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "student list (version %d, safe %t):\n",
		state.Version, state.IsSafeState,
	)
	for _, id := range slices.Sorted(maps.Keys(state.Payload)) {
		s := state.Payload[id]
		fmt.Fprintf(out, "  %s %-12s classes=%d\n", id, s.Name, s.Classes)
	}

	snap, err := list.SerializableState(ctx, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "snapshot offloaded: %t\n", snap.IsOffloaded)
	return nil
}
