package main

import (
	"fmt"

	"github.com/breez/public-sync/syncer"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var putFlags struct {
	recordType string
	family     string
	id         string
	parent     string
	data       string
	revision   int64
}

var putCmd = &cobra.Command{
	Use:   "put",
	Short: "Sign and write a record to the remote store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		record := newPutRecord()
		family := putFlags.family
		if family == "" {
			family = s.config.Collections.Family(putFlags.recordType)
		}
		revision, err := s.remote.Put(ctx, record, syncer.RecordType(family))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s stored at revision %d\n", record.Type, record.ID, revision)
		return nil
	},
}

func init() {
	putCmd.Flags().StringVar(&putFlags.recordType, "type", "", "record type")
	putCmd.Flags().StringVar(&putFlags.family, "family", "", "type the record is queried under (default: the primary type of its collection)")
	putCmd.Flags().StringVar(&putFlags.id, "id", "", "record id (default: a random UUID)")
	putCmd.Flags().StringVar(&putFlags.parent, "parent", "", "parent record id")
	putCmd.Flags().StringVar(&putFlags.data, "data", "", "record payload")
	putCmd.Flags().Int64Var(&putFlags.revision, "revision", 0, "revision being replaced, 0 for a new record")
	_ = putCmd.MarkFlagRequired("type")
}

func newPutRecord() syncer.Record {
	id := putFlags.id
	if id == "" {
		id = uuid.NewString()
	}
	return syncer.Record{
		Type:     syncer.RecordType(putFlags.recordType),
		ID:       id,
		ParentID: putFlags.parent,
		Data:     []byte(putFlags.data),
		Revision: putFlags.revision,
	}
}
