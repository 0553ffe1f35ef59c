package main

import (
	"github.com/spf13/cobra"

	"github.com/relves/groupchain/pkg/chain"
)

const (
	descriptionKey = "description"
	rewardKey      = "reward"
	resultKey      = "result"
	reasonKey      = "reason"
)

func taskCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "task",
		Short: "Drives coordination tasks through their lifecycle",
	}
	c.AddCommand(
		taskCreateCommand(),
		taskAssignCommand(),
		taskStartCommand(),
		taskCompleteCommand(),
		taskFailCommand(),
	)
	return c
}

func taskCreateCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "create <group-id> <task-id> <title>",
		Short: "Creates a pending task",
		Args:  cobra.ExactArgs(3),
		RunE: func(c *cobra.Command, args []string) error {
			desc, _ := c.Flags().GetString(descriptionKey)
			reward, _ := c.Flags().GetInt64(rewardKey)
			return submit(c, args[0], &chain.TaskCreate{TaskID: args[1], Title: args[2], Description: desc, Reward: reward})
		},
	}
	c.Flags().String(descriptionKey, "", "task description")
	c.Flags().Int64(rewardKey, 0, "reward paid to the assignee on completion")
	return c
}

func taskAssignCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <group-id> <task-id> <assignee>",
		Short: "Assigns a pending task",
		Args:  cobra.ExactArgs(3),
		RunE: func(c *cobra.Command, args []string) error {
			return submit(c, args[0], &chain.TaskAssign{TaskID: args[1], Assignee: args[2]})
		},
	}
}

func taskStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <group-id> <task-id>",
		Short: "Starts an assigned task",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			return submit(c, args[0], &chain.TaskStart{TaskID: args[1]})
		},
	}
}

func taskCompleteCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "complete <group-id> <task-id>",
		Short: "Completes a task in progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			result, _ := c.Flags().GetString(resultKey)
			return submit(c, args[0], &chain.TaskComplete{TaskID: args[1], ResultHash: result})
		},
	}
	c.Flags().String(resultKey, "", "hash of the result artifact")
	return c
}

func taskFailCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "fail <group-id> <task-id>",
		Short: "Marks a task in progress as failed",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			reason, _ := c.Flags().GetString(reasonKey)
			return submit(c, args[0], &chain.TaskFail{TaskID: args[1], Reason: reason})
		},
	}
	c.Flags().String(reasonKey, "", "failure reason")
	return c
}
