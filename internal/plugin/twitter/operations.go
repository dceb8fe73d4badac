package twitter

import "github.com/Account-Link/oauth3-tee-proxy-sub000/internal/services/policy"

// GraphQL query ids used directly by the tweet resource.
const (
	QueryCreateTweet        = "UYy4T67XpYXgWKOafKXB_A"
	QueryDeleteTweet        = "VaenaVgh5q5ih7kvyVjgtg"
	QueryTweetDetail        = "P0Q1RWRCWxVEJjkU7rzG3g"
	QueryHomeLatestTimeline = "qibjzEWwVSl0sSV8-VlR6Q"
)

func read(key, name, desc string) policy.Operation {
	return policy.Operation{Key: key, Name: name, MethodHint: "GET", Category: policy.CategoryRead, Description: desc}
}

func write(key, name, desc string) policy.Operation {
	return policy.Operation{Key: key, Name: name, MethodHint: "POST", Category: policy.CategoryWrite, Description: desc}
}

// GraphQLOperations is the catalog of known Twitter GraphQL operations,
// keyed by query id.
func GraphQLOperations() []policy.Operation {
	return []policy.Operation{
		// Authentication
		read("r7VUmxbfqNkx7uwjgONSNw", "AuthenticatePeriscope", "Authenticates with the Periscope service"),
		read("PFIxTk8owMoZgiMccP0r4g", "getAltTextPromptPreference", "Retrieves the alt text prompt preference settings"),
		write("aQKrduk_DA46XfOQDkcEng", "updateAltTextPromptPreference", "Updates the alt text prompt preference settings"),

		// Tweets
		read("pROR-yRiBVsEjJyHt3fvhg", "BakeryQuery", "Query for Bakery service"),
		read("3dxpcdWUUMnHzzAkQKmYbg", "BlockedAccountsAll", "Retrieves all blocked accounts"),
		read("oPHs3ydu7ZOOy2f02soaPA", "UserTweets", "Fetches tweets from a specific user"),
		write(QueryCreateTweet, "CreateTweet", "Creates a new tweet"),
		write(QueryDeleteTweet, "DeleteTweet", "Deletes a tweet"),
		write("lI07N6Otwv1PhnEgXILM7A", "FavoriteTweet", "Favorites/likes a tweet"),
		write("ojPdsZsimiJrUGLR1sjUtA", "RetweetTweet", "Retweets a tweet"),
		write("ZYKSe-w7KEslx3JhSIk5LA", "UnfavoriteTweet", "Unfavorites/unlikes a tweet"),
		write("iQtK4dl5hBmXewYZuEOKVw", "UnretweetTweet", "Unretweets a tweet"),

		// Users
		read("8sXVIfHXt5J5Mk5nY6jF0w", "UserByScreenName", "Fetches user data by screen name"),
		read("BS5XvxjJzKnT9B1vdQNuVQ", "UserByRestId", "Fetches user data by REST ID"),
		read("3JNH4e9dq1EbVEjbH17CRw", "UserTimeline", "Fetches a user's timeline"),

		// Timelines
		read("oDN9CSPdf7hHMJkAoTw9Ww", "HomeTimeline", "Fetches the home timeline"),
		read(QueryHomeLatestTimeline, "HomeLatestTimeline", "Fetches the latest tweets for the home timeline"),
		read("f_BkJh4mwCPQSh0jmJZzug", "SearchTimeline", "Searches for tweets"),
		read(QueryTweetDetail, "TweetDetail", "Fetches detailed information about a tweet"),
		read("vFmPRx4zYD-4iWYbOdYs1A", "ListLatestTweetsTimeline", "Fetches the latest tweets from a list"),

		// Social and profile
		read("UqGF_XBnacQeigT-d0qJ0A", "FollowersYouKnow", "Fetches followers you know"),
		read("pCFxFqsnO8IYFGREUYBh0Q", "GetUserClaims", "Gets user claims/verified status"),
		read("BYWA-v2zXm7dfhMbO-dPJw", "ProfileSpotlightsQuery", "Gets profile spotlights"),
		read("NTq79TuSz5GrVLKLBWqKJg", "CommunitiesTabQuery", "Gets communities tab data"),

		// Notifications and messages
		read("JpDrL4k4d4A6FQ-RvrBJrw", "NotificationTimeline", "Fetches notification timeline"),
		read("cAQq4LxBHZnvJ9iTDgP1GA", "DMConversationsList", "Fetches DM conversations list"),
		write("e1MYROkq6xpKz8rrVbRPGg", "DMMessageCreate", "Creates a DM message"),
		read("tO0maWw7RKVKRMzfnU9jgw", "UsersLookup", "Looks up multiple users"),
	}
}
