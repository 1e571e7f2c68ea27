package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"socialchat/pkg/store"
)

func init() {
	loginCmd.Flags().String("user-id", "", "existing user id (UUID); empty creates a new user")
	locationCmd.AddCommand(locationSetCmd, locationShowCmd)
	rootCmd.AddCommand(loginCmd, logoutCmd, locationCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Create a session on the relay and remember its token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user-id")

		token, user, err := cli.restClient("").CreateSession(cmd.Context(), userID)
		if err != nil {
			return err
		}
		if err := cli.store.SaveToken(token); err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", user)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cli.store.ClearToken(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

var locationCmd = &cobra.Command{
	Use:   "location",
	Short: "Manage the last known device location",
}

var locationSetCmd = &cobra.Command{
	Use:   "set <lat> <lng>",
	Short: "Record the device location",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lat, err := strconv.ParseFloat(args[0], 64)
		if err != nil || lat < -90 || lat > 90 {
			return fmt.Errorf("invalid latitude %q", args[0])
		}
		lng, err := strconv.ParseFloat(args[1], 64)
		if err != nil || lng < -180 || lng > 180 {
			return fmt.Errorf("invalid longitude %q", args[1])
		}
		return cli.store.SaveLocation(store.Location{Lat: lat, Lng: lng, RecordedAt: time.Now().UTC()})
	},
}

var locationShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the last recorded location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := cli.store.LastLocation()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%.6f,%.6f (recorded %s)\n", loc.Lat, loc.Lng, loc.RecordedAt.Local().Format(time.RFC1123))
		return nil
	},
}
