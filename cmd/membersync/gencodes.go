package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/clubpass/membersync/internal/store"
	"github.com/spf13/cobra"
)

const maxCodeAttempts = 20

var genCodesCmd = &cobra.Command{
	Use:   "gen-codes",
	Short: "Assign referral codes to users that don't have one",
	Long:  `Scans the membership database and assigns a unique referral code to every user missing one, seeding their referral counters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := strings.TrimSpace(os.Getenv("MS_DATA_DIR"))
		if dataDir == "" {
			dataDir = "/data"
		}

		users, err := store.NewUserStore(dataDir)
		if err != nil {
			return fmt.Errorf("open user store: %w", err)
		}
		defer users.Close()

		missing, err := users.ListUsersWithoutReferralCode()
		if err != nil {
			return fmt.Errorf("list users without referral code: %w", err)
		}

		updated := 0
		for _, u := range missing {
			code, err := uniqueReferralCode(users)
			if err != nil {
				return fmt.Errorf("generate code for %s: %w", u.ID, err)
			}
			assigned, err := users.AssignReferralCode(u.ID, code)
			if err != nil {
				return fmt.Errorf("assign code to %s: %w", u.ID, err)
			}
			if assigned {
				fmt.Printf("assigned %s to %s\n", code, u.Email)
				updated++
			}
		}

		fmt.Printf("done: %d users updated\n", updated)
		return nil
	},
}

// uniqueReferralCode generates codes until one doesn't collide with an
// existing user's code.
func uniqueReferralCode(users *store.UserStore) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := store.GenerateReferralCode()
		if err != nil {
			return "", err
		}
		exists, err := users.ReferralCodeExists(code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("could not find an unused referral code after %d attempts", maxCodeAttempts)
}
