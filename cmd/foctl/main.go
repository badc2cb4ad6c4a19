// foctl — консольная утилита сопровождения File Orchestrator.
// Отправляет элементы потоков в очереди AMQP и вызывает HTTP API
// сопровождения: журнал запросов, блокировка удаления, планировщики.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arturkryukov/artstore/file-orchestrator/internal/config"
)

// globalOptions — общие флаги всех команд.
type globalOptions struct {
	apiURL      string
	timeout     time.Duration
	amqpURL     string
	queuePrefix string
	tenant      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Ошибка:", err)
		os.Exit(1)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "foctl",
		Short:         "Сопровождение File Orchestrator",
		Version:       config.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.apiURL, "api", envDefault("FOCTL_API", "http://localhost:8020"), "адрес HTTP API (FOCTL_API)")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "таймаут HTTP-запроса")
	flags.StringVar(&opts.amqpURL, "amqp", os.Getenv("FO_AMQP_URL"), "URL брокера AMQP (FO_AMQP_URL)")
	flags.StringVar(&opts.queuePrefix, "queue-prefix", envDefault("FO_AMQP_QUEUE_PREFIX", "fo"), "префикс очередей потоков")
	flags.StringVar(&opts.tenant, "tenant", envDefault("FO_TENANT", "default"), "арендатор")

	root.AddCommand(
		newSendCmd(opts),
		newRequestsCmd(opts),
		newLockCmd(opts),
		newScheduleCmd(opts),
		newRetryCmd(opts),
		newGroupCmd(opts),
		newUsageCmd(opts),
	)
	return root
}

func (o *globalOptions) client() *apiClient {
	return newAPIClient(o.apiURL, o.timeout)
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Отправить элемент потока в очередь",
		Long: `Отправляет элемент потока (JSON-объект) в очередь <prefix>.<kind>.
Элемент читается из файла или stdin ("-"). Пустой group_id заменяется новым UUID.

Примеры:
  foctl send store item.json
  echo '{"checksums":["abc"],"expiration":"2026-12-01T00:00:00Z"}' | foctl send availability -`,
	}

	names := make([]string, 0, len(flowKinds))
	for name := range flowKinds {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		kind := flowKinds[name]
		cmd.AddCommand(&cobra.Command{
			Use:   name + " [file|-]",
			Short: "Поток " + string(kind),
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if opts.amqpURL == "" {
					return fmt.Errorf("не задан URL брокера (--amqp или FO_AMQP_URL)")
				}
				path := "-"
				if len(args) == 1 {
					path = args[0]
				}
				item, err := readFlowItem(kind, path, cmd.InOrStdin())
				if err != nil {
					return err
				}
				groupID, err := sendFlowItem(cmd.Context(), opts, kind, item)
				if err != nil {
					return err
				}
				if groupID != "" {
					fmt.Fprintln(cmd.OutOrStdout(), groupID)
				}
				return nil
			},
		})
	}
	return cmd
}

func newRequestsCmd(opts *globalOptions) *cobra.Command {
	var (
		typ, groupID, storageID, status string
		owners                          []string
		limit                           int
	)
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Записи журнала запросов",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			setIf(q, "type", typ)
			setIf(q, "group_id", groupID)
			setIf(q, "storage_id", storageID)
			setIf(q, "status", status)
			if len(owners) > 0 {
				q.Set("owner", strings.Join(owners, ","))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			data, err := opts.client().Requests(cmd.Context(), q)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	f := cmd.Flags()
	f.StringVar(&typ, "type", "", "тип запроса: STORAGE, DELETION, AVAILABILITY")
	f.StringVar(&groupID, "group", "", "идентификатор группы")
	f.StringSliceVar(&owners, "owner", nil, "владельцы (через запятую или повтором флага)")
	f.StringVar(&storageID, "storage", "", "идентификатор хранилища")
	f.StringVar(&status, "status", "", "статус: TO_DO, ERROR")
	f.IntVar(&limit, "limit", 0, "максимум записей")
	return cmd
}

func newLockCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Блокировка удаления",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Состояние блокировки",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := opts.client().LockState(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	})

	var holder string
	var ttl time.Duration
	hold := &cobra.Command{
		Use:   "hold",
		Short: "Захватить блокировку для обслуживания",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := opts.client().HoldLock(cmd.Context(), holder, ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	hold.Flags().StringVar(&holder, "holder", "", "владелец блокировки")
	hold.Flags().DurationVar(&ttl, "ttl", 0, "время удержания; 0 — по умолчанию сервера")
	_ = hold.MarkFlagRequired("holder")

	var releaseHolder string
	release := &cobra.Command{
		Use:   "release",
		Short: "Освободить блокировку",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.client().ReleaseLock(cmd.Context(), releaseHolder); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Блокировка освобождена")
			return nil
		},
	}
	release.Flags().StringVar(&releaseHolder, "holder", "", "владелец блокировки")
	_ = release.MarkFlagRequired("holder")

	cmd.AddCommand(hold, release)
	return cmd
}

func newScheduleCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Внеочередной проход планировщиков",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := opts.client().Schedule(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newRetryCmd(opts *globalOptions) *cobra.Command {
	var f retryFilter
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Повтор запросов в ERROR",
		Long:  "Повторяет запросы в ERROR по группе, владельцам или хранилищу. Нужен хотя бы один фильтр.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.GroupID == "" && len(f.Owners) == 0 && f.StorageID == "" {
				return fmt.Errorf("нужен хотя бы один фильтр: --group, --owner или --storage")
			}
			data, err := opts.client().Retry(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.GroupID, "group", "", "идентификатор группы")
	flags.StringSliceVar(&f.Owners, "owner", nil, "владельцы")
	flags.StringVar(&f.StorageID, "storage", "", "идентификатор хранилища")
	flags.StringVar(&f.Type, "type", "", "тип запроса; пусто — все типы")
	return cmd
}

func newGroupCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "group <id>",
		Short: "Состояние группы запросов",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := opts.client().Group(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func newUsageCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Заполненность хранилищ",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := opts.client().Usage(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
}

func setIf(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}
