package cmd

import (
	"fmt"
	"os"
	"strings"

	ishell "github.com/abiosoft/ishell"
	"github.com/common-nighthawk/go-figure"

	"github.com/tsuzuku-app/tsuzuku/backend/models"
	"github.com/tsuzuku-app/tsuzuku/frontend/client"
	"github.com/tsuzuku-app/tsuzuku/lib/utils"
)

// guestCommands is a slice of Command structures containing commands that are available to users who have not logged in.
var guestCommands []Command

// userCommands is a slice of Command structures containing commands that are available only to logged in users.
var userCommands []Command

// commonCommands is a slice of Command structures containing commands that are available to all users, regardless of their login status.
var commonCommands []Command

// loggedIn is a boolean variable that indicates whether a user is currently logged in.
var loggedIn bool

// shell represents an instance of the interactive shell used for this application.
var shell *ishell.Shell

// The Command struct defines a user command in the system. Each command has a Name, a Desc (short for description), and a Func (the function to execute when the command is called).
type Command struct {
	Name string                   // Name is the name of the command.
	Desc string                   // Desc is a short description of what the command does.
	Func func(c *ishell.Context) // Func is the function that is executed when the command is invoked.
}

// sessionExpired resets the shell back to the guest command set.
func sessionExpired() {
	client.ClearKeyring()
	loggedIn = false
	for _, command := range userCommands {
		shell.DeleteCmd(command.Name)
	}
	addCommands(shell, guestCommands)
}

// handleClientError prints the error, downgrading to the guest command set when
// the session has expired.
func handleClientError(err error) {
	if err.Error() == "expired refresh token" {
		utils.PrintError("Session expired, please sign in again by typing 'signin' in the terminal.")
		sessionExpired()
		return
	}
	utils.PrintError(err.Error())
}

// streakLine renders one habit's streak for the habit list.
func streakLine(name string, current, longest int, state string, doneToday bool) string {
	mark := " "
	if doneToday {
		mark = "x"
	}
	return fmt.Sprintf("  [%s] %-20s current: %-4d longest: %-4d (%s)", mark, name, current, longest, state)
}

// InitCmd initializes the shell and sets up the commands for guest and user scenarios.
func InitCmd() {

	// Initialize shell
	shell = ishell.New()

	// Define the commands available to a guest user (not signed in)
	guestCommands = []Command{
		{
			Name: "signin",
			Desc: "Sign in to your account",
			Func: func(c *ishell.Context) {
				var username, password string
				for {
					c.Print("Enter Username: ")
					username = c.ReadLine()

					if len(username) > 1 {
						break
					}
					c.Println("Username must be longer than 1 character.")
				}

				for {
					c.Print("Enter Password: ")
					password = c.ReadPassword()

					if len(password) > 0 {
						break
					}
					c.Println("Password cannot be empty.")
				}

				_, _, err := client.SignIn(username, password)
				if err != nil {
					utils.PrintError(err.Error())
					return
				}
				loggedIn = true
				c.Println("Welcome, you are now signed in.")
				for _, command := range guestCommands {
					shell.DeleteCmd(command.Name)
				}
				addCommands(shell, userCommands)
			},
		},
		{
			Name: "signup",
			Desc: "Sign up for a new account",
			Func: func(c *ishell.Context) {
				var username, email, password, timezone string
				for {
					c.Print("Enter Username: ")
					username = c.ReadLine()

					if len(username) > 1 {
						break
					}
					c.Println("Username must be longer than 1 character.")
				}

				for {
					c.Print("Enter Email: ")
					email = c.ReadLine()

					if utils.ValidateEmail(email) {
						break
					}
					c.Println("Email is not valid.")
				}

				for {
					c.Print("Enter Password: ")
					password = c.ReadPassword()

					if utils.ValidatePassword(password) {
						c.Print("Confirm Password: ")
						confirmPassword := c.ReadPassword()

						if password == confirmPassword {
							break
						} else {
							c.Println()
							c.Println("Passwords do not match. Please try again.")
							c.Println()
						}
					} else {
						c.Println()
						c.Println("Password must be at least 8 characters and contain both letters and numbers.")
						c.Println()
					}
				}

				for {
					c.Print("Enter Timezone (blank for default): ")
					timezone = c.ReadLine()

					if timezone == "" || utils.ValidateTimezone(timezone) {
						break
					}
					c.Println("Timezone must be a valid IANA name, like 'Asia/Tokyo'.")
				}

				_, _, err := client.SignUp(username, email, password, timezone)
				if err != nil {
					utils.PrintError(err.Error())
					return
				}
				c.Println("Account created successfully. You are now signed in.")
				loggedIn = true
				for _, command := range guestCommands {
					shell.DeleteCmd(command.Name)
				}
				addCommands(shell, userCommands)
			},
		},
	}

	// Define the commands available to a signed in user
	userCommands = []Command{
		{
			Name: "habits",
			Desc: "List your habits and their streaks",
			Func: func(c *ishell.Context) {
				overviews, err := client.ListHabits()
				if err != nil {
					handleClientError(err)
					return
				}
				if len(overviews) == 0 {
					c.Println("No habits yet. Create one with 'add'.")
					return
				}
				c.Println("Your habits:")
				for _, o := range overviews {
					c.Println(streakLine(o.Habit.Name, o.Habit.CurrentStreak, o.Habit.LongestStreak, string(o.State), o.DoneToday))
				}
			},
		},
		{
			Name: "add",
			Desc: "Create a new habit",
			Func: func(c *ishell.Context) {
				var name, frequency string
				for {
					c.Print("Enter Habit Name: ")
					name = c.ReadLine()

					if len(name) > 0 {
						break
					}
					c.Println("Habit name cannot be empty.")
				}

				for {
					c.Print("Enter Frequency (daily/weekly/monthly): ")
					frequency = strings.ToLower(c.ReadLine())

					if models.Frequency(frequency).Valid() {
						break
					}
					c.Println("Frequency must be 'daily', 'weekly' or 'monthly'.")
				}

				habit, err := client.AddHabit(name, models.Frequency(frequency))
				if err != nil {
					handleClientError(err)
					return
				}
				c.Println("Habit '" + habit.Name + "' created.")
			},
		},
		{
			Name: "done",
			Desc: "Mark a habit completed (today, or a given day)",
			Func: func(c *ishell.Context) {
				c.Print("Enter Habit Name: ")
				name := c.ReadLine()

				habit, err := client.FindHabitByName(name)
				if err != nil {
					handleClientError(err)
					return
				}

				c.Print("Enter Day as YYYY-MM-DD (blank for today): ")
				day := c.ReadLine()
				if day != "" {
					if _, err := utils.ParseDay(day); err != nil {
						utils.PrintError("Day must be formatted as YYYY-MM-DD.")
						return
					}
				}

				updated, err := client.CompleteHabit(habit.ID.Hex(), day)
				if err != nil {
					handleClientError(err)
					return
				}
				c.Printf("Recorded. Current streak: %d, longest: %d.\n", updated.CurrentStreak, updated.LongestStreak)
			},
		},
		{
			Name: "undo",
			Desc: "Remove a recorded completion",
			Func: func(c *ishell.Context) {
				c.Print("Enter Habit Name: ")
				name := c.ReadLine()

				habit, err := client.FindHabitByName(name)
				if err != nil {
					handleClientError(err)
					return
				}

				var day string
				for {
					c.Print("Enter Day as YYYY-MM-DD: ")
					day = c.ReadLine()
					if _, err := utils.ParseDay(day); err == nil {
						break
					}
					c.Println("Day must be formatted as YYYY-MM-DD.")
				}

				updated, err := client.UncompleteHabit(habit.ID.Hex(), day)
				if err != nil {
					handleClientError(err)
					return
				}
				c.Printf("Removed. Current streak: %d, longest: %d.\n", updated.CurrentStreak, updated.LongestStreak)
			},
		},
		{
			Name: "streak",
			Desc: "Show the full streak overview for a habit",
			Func: func(c *ishell.Context) {
				c.Print("Enter Habit Name: ")
				name := c.ReadLine()

				habit, err := client.FindHabitByName(name)
				if err != nil {
					handleClientError(err)
					return
				}

				overview, err := client.GetStreak(habit.ID.Hex())
				if err != nil {
					handleClientError(err)
					return
				}

				h := overview.Habit
				c.Println("Habit: " + h.Name + " (" + string(h.Frequency) + ", " + string(h.Status) + ")")
				c.Printf("Current streak: %d\n", h.CurrentStreak)
				c.Printf("Longest streak: %d\n", h.LongestStreak)
				if h.LastCompletedDate != nil {
					c.Println("Last completed: " + utils.FormatDay(*h.LastCompletedDate))
				}
				if h.StreakStartDate != nil {
					c.Println("Streak started: " + utils.FormatDay(*h.StreakStartDate))
				}
				c.Println("State: " + string(overview.State))
				if overview.Deadline != nil {
					c.Println("Complete before: " + overview.Deadline.Format("2006-01-02 15:04 MST"))
				}
			},
		},
		{
			Name: "pause",
			Desc: "Pause or resume a habit",
			Func: func(c *ishell.Context) {
				c.Print("Enter Habit Name: ")
				name := c.ReadLine()

				habit, err := client.FindHabitByName(name)
				if err != nil {
					handleClientError(err)
					return
				}

				status := models.HabitPaused
				if habit.Status == models.HabitPaused {
					status = models.HabitActive
				}

				updated, err := client.UpdateHabitStatus(habit.ID.Hex(), status)
				if err != nil {
					handleClientError(err)
					return
				}
				c.Println("Habit '" + updated.Name + "' is now " + string(updated.Status) + ".")
			},
		},
		{
			Name: "remove",
			Desc: "Delete a habit and its history",
			Func: func(c *ishell.Context) {
				c.Print("Enter Habit Name: ")
				name := c.ReadLine()

				habit, err := client.FindHabitByName(name)
				if err != nil {
					handleClientError(err)
					return
				}

				for {
					c.Print("Are you sure you want to delete '" + habit.Name + "'? (yes/no): ")
					response := strings.ToLower(c.ReadLine())
					if response == "no" {
						return
					} else if response == "yes" {
						if err := client.DeleteHabit(habit.ID.Hex()); err != nil {
							handleClientError(err)
							return
						}
						c.Println("Habit deleted.")
						return
					}
					c.Println("Invalid response. Please type 'yes' or 'no'.")
				}
			},
		},
		{
			Name: "reconcile",
			Desc: "Run the nightly streak reconciliation now",
			Func: func(c *ishell.Context) {
				summary, err := client.TriggerReconcile()
				if err != nil {
					handleClientError(err)
					return
				}
				c.Printf("Reconciled %d habits: %d reset, %d recalculated, %d failed.\n",
					summary.Processed, summary.Reset, summary.Recalculated, summary.Failed)
			},
		},
		{
			Name: "signout",
			Desc: "Sign out from your account",
			Func: func(c *ishell.Context) {
				err := client.SignOut()
				if err != nil {
					utils.PrintError(err.Error())
					return
				}
				c.Println("You are now signed out.")
				loggedIn = false
				for _, command := range userCommands {
					shell.DeleteCmd(command.Name)
				}
				addCommands(shell, guestCommands)
			},
		},
	}

	// Define common commands that are always available, regardless of login state
	commonCommands = []Command{
		{
			Name: "exit",
			Desc: "Exit the application",
			Func: func(c *ishell.Context) {
				fmt.Println("Goodbye!")
				os.Exit(0)
			},
		},
	}

	// The help command is created separately to avoid the cyclic dependency
	commonCommands = append(commonCommands, Command{
		Name: "help",
		Desc: "List available commands",
		Func: func(c *ishell.Context) {
			c.Println("Available commands:")
			if loggedIn {
				for _, command := range userCommands {
					c.Println("  |-- '" + command.Name + "' : " + command.Desc)
				}
			} else {
				for _, command := range guestCommands {
					c.Println("  |-- '" + command.Name + "' : " + command.Desc)
				}
			}
			for _, command := range commonCommands {
				c.Println("  |-- '" + command.Name + "' : " + command.Desc)
			}
			c.Println()
		},
	})
}

// addCommands is a helper function that adds the given commands to the shell.
func addCommands(shell *ishell.Shell, commands []Command) {
	for _, command := range commands {
		shell.AddCmd(&ishell.Cmd{
			Name: command.Name,
			Help: "Command: " + command.Name,
			Func: command.Func,
		})
	}
}

// Execute is the main function that executes the shell.
// It welcomes the user, adds common and guest commands to the shell, and runs the shell.
func Execute() {
	shell.Println()
	figure.NewFigure("Tsuzuku", "basic", true).Print()
	shell.Println("Welcome to Tsuzuku -- the habit streak tracker. Type 'help' to see a list of commands.")

	addCommands(shell, commonCommands)
	addCommands(shell, guestCommands)

	shell.Run()
}
