package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"verity/internal/cube"
)

// CubeCmd groups content-addressed cube operations: ingesting pre-encoded
// cubes, sculpting new ones from a file, reading one back by key, and
// listing everything the store currently holds.
var CubeCmd = &cobra.Command{Use: "cube", Short: "Cube store operations"}

var cubeAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Admit a pre-encoded 1024-byte cube file into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		info, err := e.CubeStore.AddCube(data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "admitted %s (%s)\n", info.KeyString, info.Kind)
		return nil
	},
}

var sculptDifficulty int

var cubeSculptCmd = &cobra.Command{
	Use:   "sculpt <path>",
	Short: "Build and admit a new FROZEN cube from a file's contents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		payload, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		c := cube.New(cube.KindFrozen, false)
		if err := c.AddField(cube.TLVPayload, payload); err != nil {
			return err
		}
		data, err := cube.Encode(context.Background(), c, cube.EncodeOptions{RequiredDifficulty: sculptDifficulty})
		if err != nil {
			return err
		}
		info, err := e.CubeStore.AddCube(data)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sculpted %s\n", info.KeyString)
		return nil
	},
}

var cubeGetCmd = &cobra.Command{
	Use:   "get <hex-key>",
	Short: "Print metadata for a cube key currently held locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		key, err := decodeKey(args[0])
		if err != nil {
			return err
		}
		info, ok := e.CubeStore.GetCubeInfo(key)
		if !ok {
			return fmt.Errorf("cube %s not held locally", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\tkind=%s\tdate=%s\tdifficulty=%d\n",
			info.KeyString, info.Kind, info.SculptDate.Format("2006-01-02T15:04:05Z"), info.Difficulty)
		return nil
	},
}

var cubeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every cube currently held locally",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		e, err := buildEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		infos := e.CubeStore.AllCubeInfo()
		if len(infos) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "store is empty")
			return nil
		}
		for _, info := range infos {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", info.KeyString, info.Kind)
		}
		return nil
	},
}

func decodeKey(s string) ([cube.KeySize]byte, error) {
	var key [cube.KeySize]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(b) != cube.KeySize {
		return key, fmt.Errorf("expected %d-byte key, got %d", cube.KeySize, len(b))
	}
	copy(key[:], b)
	return key, nil
}

func init() {
	cubeSculptCmd.Flags().IntVar(&sculptDifficulty, "difficulty", 0, "required leading-zero-bit difficulty")
	CubeCmd.AddCommand(cubeAddCmd, cubeSculptCmd, cubeGetCmd, cubeListCmd)
}
