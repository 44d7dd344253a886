package cmd

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/atmx/risk-bridge/internal/ids"
	"github.com/atmx/risk-bridge/internal/protocol"
)

var (
	signDevice string
	signSecret string
	signMethod string
	signBody   string
)

var signCmd = &cobra.Command{
	Use:   "sign PATH",
	Short: "Print the headers for a signed execution-agent request",
	Long: `Sign a request the way an execution agent does and print the headers,
one per line, ready for curl -H. The body, if any, is read from --body
(use - for stdin) and must be sent byte-for-byte.

Example:
  bridgectl sign /api/v1/device/poll --device dev-1 --secret s3cret`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var body []byte
		switch signBody {
		case "":
		case "-":
			var buf bytes.Buffer
			if _, err := buf.ReadFrom(cmd.InOrStdin()); err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = buf.Bytes()
		default:
			b, err := os.ReadFile(signBody)
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}
			body = b
		}

		req, err := http.NewRequest(signMethod, args[0], bytes.NewReader(body))
		if err != nil {
			return err
		}
		protocol.SignRequest(req, signDevice, signSecret, ids.New(), body, time.Now())

		out := cmd.OutOrStdout()
		for _, h := range []string{protocol.HeaderDeviceID, protocol.HeaderTimestamp, protocol.HeaderNonce, protocol.HeaderSignature} {
			fmt.Fprintf(out, "%s: %s\n", h, req.Header.Get(h))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(signCmd)
	signCmd.Flags().StringVar(&signDevice, "device", "", "device id")
	signCmd.Flags().StringVar(&signSecret, "secret", "", "device secret")
	signCmd.Flags().StringVarP(&signMethod, "method", "X", http.MethodGet, "HTTP method")
	signCmd.Flags().StringVar(&signBody, "body", "", "request body file, or - for stdin")
	signCmd.MarkFlagRequired("device")
	signCmd.MarkFlagRequired("secret")
}
