package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tech4242/aquaman/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and maintain the audit log",
}

var auditTailN int

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog, err := openAudit()
		if err != nil {
			return err
		}
		defer auditLog.Close()

		records, err := auditLog.Tail(auditTailN)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain of the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog, err := openAudit()
		if err != nil {
			return err
		}
		defer auditLog.Close()

		bad, err := auditLog.VerifyIntegrity()
		if err != nil {
			return err
		}
		if len(bad) > 0 {
			return fmt.Errorf("audit chain broken at line(s) %v", bad)
		}
		cmd.Println("Audit chain intact.")
		return nil
	},
}

var auditRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Archive the current audit log and start a fresh chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLog, err := openAudit()
		if err != nil {
			return err
		}
		defer auditLog.Close()

		if err := auditLog.Rotate(); err != nil {
			return err
		}
		archives := auditLog.Archives()
		cmd.Printf("Rotated; %d archive(s) on disk.\n", len(archives))
		return nil
	},
}

func openAudit() (*audit.Log, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return audit.Open(cfg.Audit.Dir)
}

func init() {
	auditTailCmd.Flags().IntVarP(&auditTailN, "lines", "n", 20, "number of records to print")
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditRotateCmd)
	rootCmd.AddCommand(auditCmd)
}
