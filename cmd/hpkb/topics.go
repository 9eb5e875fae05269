package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/drfirst/go-hpkb/internal/caseload"
	"github.com/drfirst/go-hpkb/internal/config"
	"github.com/drfirst/go-hpkb/internal/infrastructure/redpanda"
)

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the audit pipeline topics",
	}
	cmd.AddCommand(topicsEnsureCmd())
	cmd.AddCommand(topicsListCmd())
	cmd.AddCommand(topicsLagCmd())
	cmd.AddCommand(submitCmd())
	return cmd
}

func withAdmin(cmd *cobra.Command, fn func(*env, *redpanda.Admin) error) error {
	e, err := setup(cmd, config.NeedKafka)
	if err != nil {
		return err
	}
	defer e.close()

	admin, err := redpanda.NewAdmin(e.cfg.Kafka.Brokers, e.logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	return fn(e, admin)
}

func topicsEnsureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the audit pipeline topics that are missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rf, _ := cmd.Flags().GetInt16("replication-factor")
			return withAdmin(cmd, func(_ *env, admin *redpanda.Admin) error {
				results, err := admin.EnsureTopics(cmd.Context(), rf)
				if err != nil {
					return err
				}
				for _, r := range results {
					state := "exists"
					if r.Created {
						state = "created"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Topic, state)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int16("replication-factor", 1, "replication factor for new topics")
	return cmd
}

func topicsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List topic names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(_ *env, admin *redpanda.Admin) error {
				names, err := admin.ListTopics(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range names {
					fmt.Fprintln(cmd.OutOrStdout(), name)
				}
				return nil
			})
		},
	}
}

func topicsLagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "lag [GROUP]",
		Short: "Show consumer group lag per partition",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(e *env, admin *redpanda.Admin) error {
				group := e.cfg.Kafka.GroupID
				if len(args) == 1 {
					group = args[0]
				}
				lag, err := admin.GetConsumerGroupLag(cmd.Context(), group)
				if err != nil {
					return err
				}

				tw := tablewriter.NewWriter(cmd.OutOrStdout())
				tw.SetHeader([]string{"Topic", "Partition", "Lag"})
				topics := make([]string, 0, len(lag))
				for topic := range lag {
					topics = append(topics, topic)
				}
				sort.Strings(topics)
				for _, topic := range topics {
					partitions := make([]int32, 0, len(lag[topic]))
					for p := range lag[topic] {
						partitions = append(partitions, p)
					}
					sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
					for _, p := range partitions {
						tw.Append([]string{topic, strconv.Itoa(int(p)), strconv.FormatInt(lag[topic][p], 10)})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

// submitCmd queues every case of a file for the audit worker
func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit FILE...",
		Short: "Publish cases to the audit request topic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd, config.NeedKafka)
			if err != nil {
				return err
			}
			defer e.close()

			cfg := redpanda.DefaultProducerConfig()
			cfg.Brokers = e.cfg.Kafka.Brokers
			producer, err := redpanda.NewProducer(cfg, nil, e.logger)
			if err != nil {
				return err
			}
			defer producer.Close()

			loader := caseload.NewFileLoader(e.logger)
			for _, path := range args {
				cases, err := loader.LoadAll(cmd.Context(), path)
				if err != nil {
					return err
				}
				for _, c := range cases {
					value, err := json.Marshal(c)
					if err != nil {
						return fmt.Errorf("encode case %s: %w", c.ID, err)
					}
					if err := producer.Publish(cmd.Context(), redpanda.TopicAuditRequests, c.ID, value); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d cases queued\n", path, len(cases))
			}
			return nil
		},
	}
}
