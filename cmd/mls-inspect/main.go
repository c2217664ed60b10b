// mls-inspect decodes MLS wire objects for debugging: message framing,
// key packages, and group info. Input is a file (or stdin with "-") of
// raw TLS-serialized bytes, or hex with -x.
package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	syntax "github.com/cisco/go-tls-syntax"
	"github.com/spf13/cobra"

	mls "github.com/quietmesh/go-mls"
)

var hexInput bool

func readInput(path string) ([]byte, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if hexInput {
		return hex.DecodeString(strings.TrimSpace(string(data)))
	}
	return data, nil
}

func describeCredential(cred mls.Credential) string {
	id, err := cred.Identity()
	if err != nil {
		return fmt.Sprintf("type=%d <no identity: %v>", cred.Type(), err)
	}
	return fmt.Sprintf("type=%d identity=%x", cred.Type(), id)
}

var rootCmd = &cobra.Command{
	Use:          "mls-inspect",
	Short:        "Decode MLS wire objects",
	SilenceUsage: true,
}

var messageCmd = &cobra.Command{
	Use:   "message <file>",
	Short: "Decode the outer framing of an MLSMessage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args[0])
		if err != nil {
			return err
		}
		info, err := mls.PeekMessage(raw)
		if err != nil {
			return err
		}

		fmt.Printf("wire_format:  %s\n", info.WireFormat)
		if info.GroupID != nil {
			fmt.Printf("group_id:     %x\n", info.GroupID)
			fmt.Printf("epoch:        %d\n", info.Epoch)
			fmt.Printf("content_type: %d\n", info.ContentType)
		}
		if info.Sender != nil {
			fmt.Printf("sender:       type=%d index=%d\n", info.Sender.SenderType, info.Sender.Index)
		}
		return nil
	},
}

var keyPackageCmd = &cobra.Command{
	Use:   "keypackage <file>",
	Short: "Decode and verify a key package",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args[0])
		if err != nil {
			return err
		}

		var kp mls.KeyPackage
		var msg mls.MLSMessage
		if _, err = syntax.Unmarshal(raw, &msg); err == nil && msg.KeyPackage != nil {
			kp = *msg.KeyPackage
		} else if _, err = syntax.Unmarshal(raw, &kp); err != nil {
			return fmt.Errorf("not a key package: %v", err)
		}

		ref, err := kp.Ref()
		if err != nil {
			return err
		}

		fmt.Printf("ref:          %x\n", ref)
		fmt.Printf("cipher_suite: %s\n", kp.CipherSuite)
		fmt.Printf("credential:   %s\n", describeCredential(kp.LeafNode.Credential))
		if kp.LeafNode.Lifetime != nil {
			fmt.Printf("not_before:   %s\n", time.Unix(int64(kp.LeafNode.Lifetime.NotBefore), 0).UTC().Format(time.RFC3339))
			fmt.Printf("not_after:    %s\n", time.Unix(int64(kp.LeafNode.Lifetime.NotAfter), 0).UTC().Format(time.RFC3339))
		}
		fmt.Printf("last_resort:  %v\n", kp.LastResort())

		if err = kp.Verify(true); err != nil {
			fmt.Printf("verify:       FAIL (%v)\n", err)
		} else {
			fmt.Printf("verify:       ok\n")
		}
		return nil
	},
}

var groupInfoCmd = &cobra.Command{
	Use:   "groupinfo <file>",
	Short: "Decode a published GroupInfo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args[0])
		if err != nil {
			return err
		}

		var msg mls.MLSMessage
		if _, err = syntax.Unmarshal(raw, &msg); err != nil || msg.GroupInfo == nil {
			return fmt.Errorf("not a group info message")
		}
		gi := msg.GroupInfo

		fmt.Printf("group_id:     %x\n", gi.GroupContext.GroupID)
		fmt.Printf("epoch:        %d\n", gi.GroupContext.Epoch)
		fmt.Printf("cipher_suite: %s\n", gi.GroupContext.CipherSuite)
		fmt.Printf("signer:       leaf %d\n", gi.Signer)
		fmt.Printf("tree_hash:    %x\n", gi.GroupContext.TreeHash)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&hexInput, "hex", "x", false, "input file contains hex rather than raw bytes")
	rootCmd.AddCommand(messageCmd, keyPackageCmd, groupInfoCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
